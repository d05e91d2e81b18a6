package domain

import "time"

// SystemStat is a periodic host resource snapshot. It shares the event store
// and feeds the resource-anomaly detector through resource-spike events.
type SystemStat struct {
	ID              int64     `json:"id,omitempty" msgpack:"id"`
	Timestamp       time.Time `json:"timestamp" msgpack:"ts"`
	CPUPercent      float64   `json:"cpu_percent" msgpack:"cpu"`
	MemoryPercent   float64   `json:"memory_percent" msgpack:"mem"`
	DiskPercent     float64   `json:"disk_percent" msgpack:"disk"`
	NetBytesSent    uint64    `json:"net_bytes_sent" msgpack:"tx"`
	NetBytesRecv    uint64    `json:"net_bytes_recv" msgpack:"rx"`
	ConnectionCount int       `json:"connection_count" msgpack:"conns"`
}
