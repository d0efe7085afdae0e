package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	logLimit  int
)

func main() {
	root := &cobra.Command{
		Use:          "secure-exec",
		Short:        "CLI client for the secure-exec execution service",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("SECURE_EXEC_SERVER", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SECURE_EXEC_API_KEY"), "API key")

	// Execute from file
	root.AddCommand(&cobra.Command{
		Use:   "exec-file [file]",
		Short: "Upload a source file and run it in the sandbox",
		Long: "Upload a source file and run it in the sandbox.\n\n" +
			"The process exits with the program's exit code. Timeouts report -1\n" +
			"and sandbox setup failures -2, which the shell sees as 255 and 254.",
		Args: cobra.ExactArgs(1),
		RunE: runExecFile,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent executions (admin key required)",
		RunE:  runLogs,
	}
	logsCmd.Flags().IntVar(&logLimit, "limit", 50, "Maximum number of records")
	root.AddCommand(logsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "languages",
		Short: "List accepted file types",
		RunE:  runLanguages,
	})

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runExecFile(_ *cobra.Command, args []string) error {
	req, err := uploadRequest(serverURL, args[0])
	if err != nil {
		return err
	}

	// The server holds the request for up to the sandbox timeout.
	client := &http.Client{Timeout: 90 * time.Second}
	var result struct {
		Status   string `json:"status"`
		ExitCode int    `json:"exit_code"`
	}
	raw, err := do(client, req, &result)
	if err != nil {
		return err
	}
	printJSON(raw)

	if result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}
	return nil
}

// uploadRequest builds the multipart POST /execute request for path.
func uploadRequest(server, path string) (*http.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, server+"/execute", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	authorize(req)
	return req, nil
}

func runLogs(_ *cobra.Command, _ []string) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(logLimit))
	req, err := http.NewRequest(http.MethodGet, serverURL+"/logs?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	authorize(req)

	raw, err := do(&http.Client{Timeout: 10 * time.Second}, req, nil)
	if err != nil {
		return err
	}
	printJSON(raw)
	return nil
}

func runLanguages(_ *cobra.Command, _ []string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/languages", nil)
	if err != nil {
		return err
	}
	authorize(req)

	raw, err := do(&http.Client{Timeout: 10 * time.Second}, req, nil)
	if err != nil {
		return err
	}
	printJSON(raw)
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/health", nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	printJSON(raw)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}

func authorize(req *http.Request) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// do sends req and returns the raw body. Non-2xx responses become errors
// carrying the server's error message; v, if non-nil, receives the decoded body.
func do(client *http.Client, req *http.Request, v any) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			if retry := resp.Header.Get("Retry-After"); retry != "" {
				return nil, fmt.Errorf("%s (%s), retry after %ss", apiErr.Error, apiErr.Code, retry)
			}
			return nil, fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
		}
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}

	if v != nil {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
	}
	return raw, nil
}

func printJSON(raw []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(out.String())
}
