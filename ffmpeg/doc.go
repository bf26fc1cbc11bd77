// Package ffmpeg captures the camera through ffmpeg and hands decoded frames
// to the stream pipeline.
//
// This package requires the `ffmpeg` command line tool to be installed. Install by running
// - `sudo apt install ffmpeg` on Debian and Raspberry Pi OS
// - `sudo port install ffmpeg` on macOS
//
// ffmpeg is asked for an MJPEG elementary stream on stdout, which is split
// into single JPEG images at the start and end of image markers.
package ffmpeg
