package models

import "time"

type ConnectionStatistics struct {
	BytesReceived      uint64         `json:"bytes_received"`
	BytesSent          uint64         `json:"bytes_sent"`
	DownloadSpeed      uint64         `json:"download_speed"`
	UploadSpeed        uint64         `json:"upload_speed"`
	ConnectionDuration time.Duration  `json:"connection_duration"`
	LastHandshakeTime  *time.Time     `json:"last_handshake_time,omitempty"`
	Latency            *time.Duration `json:"latency,omitempty"`
}
