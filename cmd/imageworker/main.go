// imageworker consumes image jobs from a Redis stream, runs the prompt, image
// and upload workflow and reports the outcome to a callback URL.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
