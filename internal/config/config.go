package config

import (
	"log"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"./data/webterm.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// Client side
	GatewayURL  string `envconfig:"GATEWAY_URL" default:"ws://localhost:8000"`
	GatewayPath string `envconfig:"GATEWAY_PATH" default:"/ws/terminal"`
	Token       string `envconfig:"TOKEN" default:""`
	TokenFile   string `envconfig:"TOKEN_FILE" default:""`

	// Terminal behaviour
	ErrorGrace      time.Duration `envconfig:"ERROR_GRACE" default:"1500ms"`
	FitSettleDelay  time.Duration `envconfig:"FIT_SETTLE_DELAY" default:"100ms"`
	DefaultFontSize int           `envconfig:"DEFAULT_FONT_SIZE" default:"14"`
	ScrollbackSize  int           `envconfig:"SCROLLBACK_SIZE" default:"1048576"`

	// Gateway
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:":8000"`
	AuthDisabled    bool          `envconfig:"AUTH_DISABLED" default:"false"`
	JWTSecret       string        `envconfig:"JWT_SECRET" default:""`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS" default:"localhost:3000,localhost:3001"`
	SSHDialTimeout  time.Duration `envconfig:"SSH_DIAL_TIMEOUT" default:"10s"`
	KnownHostsPath  string        `envconfig:"KNOWN_HOSTS" default:""`
	TelnetLoginWait time.Duration `envconfig:"TELNET_LOGIN_WAIT" default:"500ms"`
	InputRateLimit  int           `envconfig:"INPUT_RATE_LIMIT" default:"200"`
	InputRateBurst  int           `envconfig:"INPUT_RATE_BURST" default:"200"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("WEBTERM", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// EndpointURL joins the gateway base URL and the channel path.
func (s Settings) EndpointURL() string {
	return strings.TrimRight(s.GatewayURL, "/") + "/" + strings.TrimLeft(s.GatewayPath, "/")
}
