package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestMaskFieldRedactsSignerKeys(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{}))

	secret := "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	logger.Info("loaded signer",
		MaskField("privateKey", secret),
		MaskField("feedId", "7"))

	if IsAllowlisted("privateKey") {
		t.Fatalf("privateKey must not be allowlisted")
	}
	if strings.Contains(buf.String(), secret) {
		t.Fatalf("secret leaked into log: %s", buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log entry: %v", err)
	}
	if entry["privateKey"] != RedactedValue {
		t.Fatalf("privateKey: got %v want %s", entry["privateKey"], RedactedValue)
	}
	if entry["feedId"] != "7" {
		t.Fatalf("feedId: got %v want 7", entry["feedId"])
	}
}

func TestMaskFieldKeepsEmpty(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"passphrase", "", ""},
		{"passphrase", "x", RedactedValue},
		{"Oracle", "0xabc", "0xabc"},
	}
	for _, tc := range cases {
		if got := MaskField(tc.key, tc.value).Value.String(); got != tc.want {
			t.Fatalf("MaskField(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
