package worker

import (
	"os"
	"runtime"
	"time"

	"github.com/ChuLiYu/flowqueue/pkg/types"
)

// Source modes
const (
	ModeLocal = "local"
	ModeHTTP  = "http"
	ModeGRPC  = "grpc"
)

// Config 代表 worker 進程的設定
type Config struct {
	Mode       string   `yaml:"mode"`        // local, http or grpc
	ServerURL  string   `yaml:"server_url"`  // http mode
	GRPCAddr   string   `yaml:"grpc_addr"`   // grpc mode
	Username   string   `yaml:"username"`    // basic credentials for remote modes
	Password   string   `yaml:"password"`
	TasksToAsk []string `yaml:"tasks"`       // flow names this worker can run
	UserID     string   `yaml:"user_id"`     // owner part of the worker key
	Hostname   string   `yaml:"hostname"`    // defaults to os.Hostname
	DeviceName string   `yaml:"device_name"` // e.g. "NVIDIA GeForce RTX 4090"
	DeviceType string   `yaml:"device_type"` // cuda, mps, cpu
	Devices    int      `yaml:"devices"`     // runners, one per device index
	Version    string   `yaml:"-"`

	MinPause       time.Duration `yaml:"min_pause"`
	MaxPause       time.Duration `yaml:"max_pause"`
	LockTTL        time.Duration `yaml:"lock_ttl"` // keepalive every quarter
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeLocal
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.DeviceName == "" {
		c.DeviceName = "cpu"
	}
	if c.DeviceType == "" {
		c.DeviceType = "cpu"
	}
	if c.Devices <= 0 {
		c.Devices = 1
	}
	if c.MinPause <= 0 {
		c.MinPause = time.Second
	}
	if c.MaxPause < c.MinPause {
		c.MaxPause = 10 * c.MinPause
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Details builds the heartbeat payload of device index i.
func (c *Config) Details(i int) types.WorkerDetails {
	return types.WorkerDetails{
		Key: types.WorkerKey{
			UserID:      c.UserID,
			Hostname:    c.Hostname,
			DeviceName:  c.DeviceName,
			DeviceIndex: i,
		},
		OS:         runtime.GOOS,
		Version:    c.Version,
		DeviceType: c.DeviceType,
	}
}
