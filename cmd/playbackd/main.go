// Command playbackd runs one playback session controller as a service,
// controlled over MQTT and HTTP.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
