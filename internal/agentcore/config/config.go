// Package config loads the prebuild agent core's configuration from the
// environment, following the BaseConfig/envPrefix idiom established by
// internal/shared/config.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/zeitwork/zeitwork/internal/shared/config"
)

// AgentConfig carries everything the agent core's activities need to wire
// their collaborators: the VMM, the IP pool, the database, and NATS, which
// carries both activity invocations and the event sink's notifications.
type AgentConfig struct {
	config.BaseConfig `envPrefix:"AGENTCORE_"`

	DatabaseURL string `env:"AGENTCORE_DATABASE_URL" required:"true"`

	// VMM placement
	FirecrackerBinPath string `env:"AGENTCORE_FIRECRACKER_BIN" envDefault:"/usr/bin/firecracker"`
	JailerBinPath       string `env:"AGENTCORE_JAILER_BIN" envDefault:""`
	KernelImagePath     string `env:"AGENTCORE_KERNEL_IMAGE" required:"true"`
	VMWorkDir           string `env:"AGENTCORE_VM_WORKDIR" envDefault:"/tmp/agentcore"`

	// IP Block Allocator (§4.1)
	MinIpBlockID      int    `env:"AGENTCORE_MIN_IP_BLOCK_ID" envDefault:"1"`
	MaxIpBlockID      int    `env:"AGENTCORE_MAX_IP_BLOCK_ID" envDefault:"255"`
	IpPoolStatePath   string `env:"AGENTCORE_IP_POOL_STATE_PATH" envDefault:"/var/lib/agentcore/ip-pool.json"`
	TapDeviceIpSuffix int    `env:"AGENTCORE_TAP_DEVICE_IP_SUFFIX" envDefault:"1"`

	// Default VM resource shape
	DefaultVcpuCount  int `env:"AGENTCORE_DEFAULT_VCPU_COUNT" envDefault:"2"`
	DefaultMemSizeMiB int `env:"AGENTCORE_DEFAULT_MEM_SIZE_MIB" envDefault:"2048"`

	// SSH
	SshUser                 string        `env:"AGENTCORE_SSH_USER" envDefault:"hocus"`
	SshPort                 int           `env:"AGENTCORE_SSH_PORT" envDefault:"22"`
	SshBootReadyTimeout     time.Duration `env:"AGENTCORE_SSH_BOOT_READY_TIMEOUT" envDefault:"60s"`
	SshKnownHostsPath       string        `env:"AGENTCORE_SSH_KNOWN_HOSTS_PATH" envDefault:"/var/lib/agentcore/known_hosts"`
	SshAllowInsecureHostKey bool          `env:"AGENTCORE_SSH_ALLOW_INSECURE_HOST_KEY" envDefault:"false"`

	// SSH Gateway (outbound collaborator, §6)
	SshGatewayURL string `env:"AGENTCORE_SSH_GATEWAY_URL" envDefault:""`

	NATS *config.NATSConfig `envPrefix:"AGENTCORE_"`
}

// Load parses AgentConfig from the environment.
func Load() (*AgentConfig, error) {
	cfg, err := env.ParseAs[AgentConfig]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse agent core config: %w", err)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentcore"
	}
	if cfg.NATS == nil {
		cfg.NATS = &config.NATSConfig{}
	}
	return &cfg, nil
}
