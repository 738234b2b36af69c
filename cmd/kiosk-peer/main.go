// kiosk-peer joins a consultation room from the command line, either as a
// kiosk streaming a synthetic audio track or as a doctor answering one. It
// also mints development tokens and drives the consultation REST API.
package main

func main() {
	execute()
}
