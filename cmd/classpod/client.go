package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jxucoder/ClassPod/pkg/checklist"
)

var apiClient = &http.Client{Timeout: 30 * time.Second}

var (
	loginUser     int64
	loginPassword string
	loginType     string

	apiToken   string
	pushCourse int64
	pushFile   string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and print an API token",
	Long: `Log in to the server and print a token for later commands:

  export CLASSPOD_TOKEN=$(classpod login --user 1 --type t --password ...)`,
	RunE: runLogin,
}

var todoCmd = &cobra.Command{
	Use:   "todo",
	Short: "Manage course checklists",
}

var todoPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push a YAML checklist to a course",
	Long: `Add every item of a checklist file to a course you own.

  title: Week 1
  items:
    - Open the practice terminal
    - Run kubectl version`,
	RunE: runTodoPush,
}

func init() {
	loginCmd.Flags().Int64Var(&loginUser, "user", 0, "User ID")
	loginCmd.Flags().StringVar(&loginPassword, "password", os.Getenv("CLASSPOD_PASSWORD"), "Password (default $CLASSPOD_PASSWORD)")
	loginCmd.Flags().StringVar(&loginType, "type", "t", "User type: s (student) or t (teacher)")
	_ = loginCmd.MarkFlagRequired("user")

	todoCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("CLASSPOD_TOKEN"), "API token (default $CLASSPOD_TOKEN)")
	todoPushCmd.Flags().Int64Var(&pushCourse, "course", 0, "Course ID")
	todoPushCmd.Flags().StringVar(&pushFile, "file", "", "Checklist YAML file")
	_ = todoPushCmd.MarkFlagRequired("course")
	_ = todoPushCmd.MarkFlagRequired("file")

	todoCmd.AddCommand(todoPushCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(todoCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"user_id": loginUser, "password": loginPassword, "user_type": loginType}
	if err := callAPI(http.MethodPost, "/api/users/login", "", body, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Token)
	return nil
}

func runTodoPush(cmd *cobra.Command, args []string) error {
	if apiToken == "" {
		return fmt.Errorf("no token: pass --token or set CLASSPOD_TOKEN (see: classpod login)")
	}
	list, err := checklist.Load(pushFile)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/api/courses/%d/todos", pushCourse)
	for i, item := range list.Items {
		if err := callAPI(http.MethodPost, path, apiToken, map[string]string{"content": item}, nil); err != nil {
			return fmt.Errorf("item %d (%q): %w", i+1, item, err)
		}
	}
	fmt.Printf("Pushed %d item(s) from %q to course %d\n", len(list.Items), list.Title, pushCourse)
	return nil
}

// callAPI sends a JSON request and decodes a JSON response into out.
func callAPI(method, path, token string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
