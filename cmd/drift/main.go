package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
)

// drift is the thin CLI for the memory daemon. The wake output goes to
// stdout so a session harness can prepend it to the agent's context;
// sleep reads the transcript from stdin or a file.
func main() {
	server := flag.String("server", "http://localhost:8080", "driftd server URL")
	agent := flag.String("agent", "", "agent name")
	file := flag.String("file", "", "transcript file for sleep (default stdin)")
	wait := flag.Bool("wait", false, "block until the sleep pipeline finishes")
	flag.Parse()

	if *agent == "" || flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cmd := flag.Arg(0)
	var err error
	switch cmd {
	case "onboard":
		err = post(*server, *agent, "/onboard", nil, false)
	case "wake":
		err = wake(*server, *agent)
	case "sleep":
		err = sleep(*server, *agent, *file, *wait)
	case "status":
		err = get(*server, "/api/agents/"+*agent+"/status")
	case "search":
		if flag.NArg() < 2 {
			usage()
			os.Exit(2)
		}
		err = get(*server, "/api/agents/"+*agent+"/search?q="+url.QueryEscape(flag.Arg(1)))
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: drift -agent <name> [flags] <command>

commands:
  onboard            create the agent's memory space
  wake               open a session, print the context preamble
  sleep              consolidate a session transcript (stdin or -file)
  status             print memory statistics
  search <query>     similarity search over stored memories`)
}

func wake(server, agent string) error {
	resp, err := http.Post(server+"/api/agents/"+agent+"/wake?format=text", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wake failed (%d): %s", resp.StatusCode, body)
	}
	fmt.Print(string(body))
	return nil
}

func sleep(server, agent, file string, wait bool) error {
	var transcript []byte
	var err error
	if file != "" {
		transcript, err = os.ReadFile(file)
	} else {
		transcript, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}

	path := "/sleep"
	if wait {
		path += "?wait=true"
	}
	return post(server, agent, path, map[string]string{"transcript": string(transcript)}, true)
}

func post(server, agent, path string, body any, pretty bool) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := http.Post(server+"/api/agents/"+agent+path, "application/json", &buf)
	if err != nil {
		return err
	}
	return printResponse(resp, pretty)
}

func get(server, path string) error {
	resp, err := http.Get(server + path)
	if err != nil {
		return err
	}
	return printResponse(resp, true)
}

func printResponse(resp *http.Response, pretty bool) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}
	if pretty {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			out, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(out))
			return nil
		}
	}
	fmt.Println(string(body))
	return nil
}
