package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	sendServerURL     string
	sendTabID         int
	sendCorrelationID string
	sendPayload       string
)

var sendCmd = &cobra.Command{
	Use:   "send [message-type]",
	Short: "Dispatch an automation message to a connected extension",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := sendMessage(args[0]); err != nil {
			fmt.Printf("Dispatch failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	RootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendServerURL, "server", "", "Server URL (default from config server.url, else http://127.0.0.1:3000)")
	sendCmd.Flags().IntVar(&sendTabID, "tab", 0, "Target tab id (0 = any connected extension)")
	sendCmd.Flags().StringVar(&sendCorrelationID, "correlation-id", "", "Caller-supplied correlation id")
	sendCmd.Flags().StringVarP(&sendPayload, "payload", "p", "{}", "Message payload as JSON")
}

func sendMessage(messageType string) error {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(sendPayload), &payload); err != nil {
		return fmt.Errorf("invalid payload JSON: %w", err)
	}

	serverURL := sendServerURL
	if serverURL == "" {
		s := getStore()
		configured, _ := s.GetConfig("server.url")
		s.Close()
		serverURL = configured
	}
	if serverURL == "" {
		serverURL = "http://127.0.0.1:3000"
	}

	body := map[string]interface{}{messageType: payload}
	if sendTabID != 0 {
		body["tabId"] = sendTabID
	}
	if sendCorrelationID != "" {
		body["correlationId"] = sendCorrelationID
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Post(serverURL+"/message", "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	fmt.Println(string(respBody))
	return nil
}
