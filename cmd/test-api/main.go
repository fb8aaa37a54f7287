// Package main is a smoke-test utility that verifies the audit engine's HTTP
// API is reachable and returning valid responses. It hits the health endpoint
// and the audit query endpoint and prints the status code and response body,
// making it useful for quick post-deployment checks without needing external
// tooling like curl or a full integration test suite.
package main

import (
	"fmt"
	"io"
	"net/http"
)

func main() {
	for _, url := range []string{
		"http://localhost:8080/health",
		"http://localhost:8080/api/v1/audit?limit=1",
	} {
		resp, err := http.Get(url)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			fmt.Printf("Error reading body: %v\n", err)
			return
		}

		fmt.Printf("GET %s\nStatus: %d\nResponse:\n%s\n\n", url, resp.StatusCode, string(body))
	}
}
