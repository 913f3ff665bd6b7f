package mqtt

import (
	"errors"
	"time"

	paho_mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/anicoll/amber-price-integration/internal/pkg/config"
)

var errTimeout = errors.New("mqtt operation timed out")

const defaultTimeout = 5 * time.Second

type service struct {
	client          paho_mqtt.Client
	discoveryPrefix string
	timeout         time.Duration
	logger          *zap.Logger
}

func New(client paho_mqtt.Client, discoveryPrefix string) *service {
	if discoveryPrefix == "" {
		discoveryPrefix = "homeassistant"
	}
	return &service{
		client:          client,
		discoveryPrefix: discoveryPrefix,
		timeout:         defaultTimeout,
		logger:          zap.L(),
	}
}

// NewClient builds a paho client for the configured broker.
func NewClient(cfg *config.MqttConfig) paho_mqtt.Client {
	logger := zap.L()
	opts := paho_mqtt.NewClientOptions()
	opts.AddBroker(cfg.Host)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultTimeout)
	opts.OnConnect = func(paho_mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", cfg.Host))
	}
	opts.OnConnectionLost = func(_ paho_mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	}
	return paho_mqtt.NewClient(opts)
}

func (s *service) Connect() error {
	return wait(s.client.Connect(), s.timeout)
}

func (s *service) Disconnect() {
	s.client.Disconnect(250)
}

func wait(token paho_mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return errTimeout
	}
	return token.Error()
}
