// Provides platform-appropriate paths for the image store.
//
// The store root follows XDG conventions on Linux and platform-native
// conventions on macOS and Windows, with the tool name "sbx" as the
// subdirectory under the base data path. The SBX_HOME environment
// variable overrides the computed root entirely.
package paths
