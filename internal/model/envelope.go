package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string          `json:"request_id"`
	Timestamp time.Time       `json:"timestamp"`
	Command   string          `json:"command"`
	Networks  []NetworkStatus `json:"networks,omitempty"`
	Partial   bool            `json:"partial"`
}

// NetworkStatus summarizes one refreshed network slot in command output.
type NetworkStatus struct {
	Network   string `json:"network"`
	Status    string `json:"status"`
	AgeMS     int64  `json:"age_ms"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}
