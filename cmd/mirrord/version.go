package main

import "fmt"

// Populated at build time via -ldflags "-X main.GitRevisionId=... -X main.BuildDate=...".
var (
	GitRevisionId string
	BuildDate     string
)

func version() {
	fmt.Println("mirrord")

	if GitRevisionId != "" {
		fmt.Println("Git revision:\t", GitRevisionId)
	}

	if BuildDate != "" {
		fmt.Println("Build Date:\t", BuildDate)
	}
}
