// Command testclient exercises a running dispatcher: it submits a
// fixed set of sample jobs and polls each until it reaches a terminal
// state, printing the result.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sentinelcode/sentinel/internal/api"
)

var sampleJobs = []struct {
	Name string
	Req  api.ExecuteRequest
}{
	{
		Name: "python hello world",
		Req:  api.ExecuteRequest{Language: "python", Code: "print('Hello, World!')"},
	},
	{
		Name: "python with stdin",
		Req:  api.ExecuteRequest{Language: "python", Code: "print(input())", Input: "Test Input"},
	},
	{
		Name: "python test cases",
		Req: api.ExecuteRequest{
			Language: "python",
			Code:     "n=int(input())\nprint(n*2)",
			TestCases: []api.TestCase{
				{Input: "5", Expected: "10"},
				{Input: "0", Expected: "0"},
				{Input: "-3", Expected: "-6"},
			},
		},
	},
	{
		Name: "timeout example",
		Req:  api.ExecuteRequest{Language: "python", Code: "while True: pass"},
	},
	{
		Name: "output cap example",
		Req:  api.ExecuteRequest{Language: "python", Code: "print('x'*2000000)"},
	},
	{
		Name: "syntax error",
		Req:  api.ExecuteRequest{Language: "python", Code: "if True\n    print('missing colon')"},
	},
}

func main() {
	baseURL := "http://localhost:8910"
	if len(os.Args) > 1 {
		baseURL = os.Args[1]
	}

	fmt.Printf("Testing dispatcher at %s\n\n", baseURL)

	client := &http.Client{Timeout: 30 * time.Second}

	for i, job := range sampleJobs {
		fmt.Printf("Job %d: %s\n", i+1, job.Name)

		body, err := json.Marshal(job.Req)
		if err != nil {
			fmt.Printf("  error encoding request: %v\n\n", err)
			continue
		}

		resp, err := client.Post(baseURL+"/execute", "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("  error submitting job: %v\n\n", err)
			continue
		}

		var accepted api.ExecuteResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&accepted)
		resp.Body.Close()
		if decodeErr != nil {
			fmt.Printf("  error decoding submit response: %v\n\n", decodeErr)
			continue
		}
		if accepted.ID == "" {
			fmt.Printf("  rejected: %s\n\n", accepted.Message)
			continue
		}

		result := poll(client, baseURL, accepted.ID)
		printResult(result)
		fmt.Println()
	}
}

func poll(client *http.Client, baseURL, jobID string) api.JobStatusResponse {
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/job/" + jobID)
		if err != nil {
			time.Sleep(250 * time.Millisecond)
			continue
		}

		var status api.JobStatusResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if decodeErr == nil && (status.Status == api.JobCompleted || status.Status == api.JobFailed) {
			return status
		}

		time.Sleep(250 * time.Millisecond)
	}
	return api.JobStatusResponse{ID: jobID, Status: api.JobFailed, Message: "client-side poll timeout"}
}

func printResult(status api.JobStatusResponse) {
	fmt.Printf("  status: %s\n", status.Status)
	if status.Message != "" {
		fmt.Printf("  message: %s\n", status.Message)
	}
	if status.Error != "" {
		fmt.Printf("  error: %s\n", status.Error)
	}
	if status.Output != "" {
		fmt.Printf("  output: %s\n", status.Output)
	}
	for i, tc := range status.TestCases {
		fmt.Printf("  test case %d: passed=%v actual=%q error=%q\n", i, tc.Passed, tc.ActualOutput, tc.Error)
	}
	fmt.Printf("  execution time: %dms\n", status.ExecutionTime)
}
