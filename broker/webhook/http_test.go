// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPSender_Send(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverDelay    time.Duration
		timeout        time.Duration
		wantErr        bool
		errContains    string
	}{
		{
			name:           "successful request",
			serverResponse: http.StatusOK,
			timeout:        5 * time.Second,
			wantErr:        false,
		},
		{
			name:           "successful request with 201",
			serverResponse: http.StatusCreated,
			timeout:        5 * time.Second,
			wantErr:        false,
		},
		{
			name:           "server returns 400",
			serverResponse: http.StatusBadRequest,
			timeout:        5 * time.Second,
			wantErr:        true,
			errContains:    "non-2xx status: 400",
		},
		{
			name:           "server returns 500",
			serverResponse: http.StatusInternalServerError,
			timeout:        5 * time.Second,
			wantErr:        true,
			errContains:    "non-2xx status: 500",
		},
		{
			name:           "timeout exceeded",
			serverResponse: http.StatusOK,
			serverDelay:    2 * time.Second,
			timeout:        100 * time.Millisecond,
			wantErr:        true,
			errContains:    "context deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("expected POST method, got %s", r.Method)
				}
				if r.Header.Get("Content-Type") != "application/json" {
					t.Errorf("expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
				}
				if r.Header.Get("User-Agent") != "pubsubx-broker/0.1" {
					t.Errorf("expected User-Agent pubsubx-broker/0.1, got %s", r.Header.Get("User-Agent"))
				}

				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Fatalf("failed to read body: %v", err)
				}
				expected := `{"test":"payload"}`
				if string(body) != expected {
					t.Errorf("expected body %s, got %s", expected, string(body))
				}

				if tt.serverDelay > 0 {
					time.Sleep(tt.serverDelay)
				}

				w.WriteHeader(tt.serverResponse)
			}))
			defer server.Close()

			sender := NewHTTPSender()

			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			err := sender.Send(ctx, server.URL, []byte(`{"test":"payload"}`), tt.timeout)

			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				} else if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error containing %q, got %q", tt.errContains, err.Error())
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestHTTPSender_Send_InvalidURL(t *testing.T) {
	sender := NewHTTPSender()

	err := sender.Send(context.Background(), "invalid://url", []byte("test"), 5*time.Second)
	if err == nil {
		t.Error("expected error for invalid URL, got nil")
	}
}
