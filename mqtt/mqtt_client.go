package mqtt

import (
	"context"
	"net/url"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

const subscribeTimeoutSeconds = 15
const connectionTimeoutSeconds = 5
const publishTimeoutSeconds = 4

type MqttHandler interface {
	MqttHandle(pub *paho.Publish)
	MqttSubscribeTopic() string
}

type Publisher interface {
	Publish(topic string, payload []byte) error
}

type MqttClient struct {
	config autopaho.ClientConfig
	conn   *autopaho.ConnectionManager
	router *paho.StandardRouter
	logger *log.Logger
	topics []string
}

func (mc *MqttClient) Publish(topic string, payload []byte) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeoutSeconds*time.Second)
	defer cancel()

	_, err = mc.conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Retain:  true,
		Payload: payload,
	})
	return
}

func (mc *MqttClient) onConnUp(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
	mc.logger.Info("connected to mqtt broker")

	subs := []paho.SubscribeOptions{}
	for _, topic := range mc.topics {
		subs = append(subs, paho.SubscribeOptions{
			QoS:   1,
			Topic: topic,
		})
	}

	if len(subs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeoutSeconds*time.Second)
	defer cancel()

	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: subs,
	})
	if err != nil {
		mc.logger.Error("failed to subscribe to topics", "err", err)
	}
}

func (mc *MqttClient) onConnError(err error) {
	mc.logger.Error("mqtt connection error", "err", err)
}

func (mc *MqttClient) onSrvDisconnect(d *paho.Disconnect) {
	mc.logger.Info("disconnected from mqtt broker")
}

// Connect registers all handlers and brings the connection up. The passed
// context has to stay alive for the whole session: autopaho keeps
// reconnecting underneath until it is cancelled.
func (mc *MqttClient) Connect(ctx context.Context, handlers []MqttHandler) (err error) {
	for _, h := range handlers {
		mc.logger.Debug("registering mqtt handler", "topic", h.MqttSubscribeTopic())
		mc.topics = append(mc.topics, h.MqttSubscribeTopic())
		mc.router.RegisterHandler(h.MqttSubscribeTopic(), h.MqttHandle)
	}

	mc.conn, err = autopaho.NewConnection(ctx, mc.config)
	if err != nil {
		return
	}

	awaitCtx, cancel := context.WithTimeout(ctx, connectionTimeoutSeconds*time.Second)
	defer cancel()

	err = mc.conn.AwaitConnection(awaitCtx)
	return
}

func (mc *MqttClient) Disconnect(ctx context.Context) error {
	for _, topic := range mc.topics {
		mc.router.UnregisterHandler(topic)
	}
	mc.topics = []string{}

	return mc.conn.Disconnect(ctx)
}

func NewMqttClient(broker string, clientId string) (mc *MqttClient, err error) {
	addr, err := url.Parse(broker)
	if err != nil {
		return
	}

	mc = &MqttClient{
		router: paho.NewStandardRouter(),
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "MqttClient: ",
			Level:  log.GetLevel(),
		}),
	}

	mc.config = autopaho.ClientConfig{
		BrokerUrls:     []*url.URL{addr},
		KeepAlive:      20,
		OnConnectionUp: mc.onConnUp,
		OnConnectError: mc.onConnError,
		ClientConfig: paho.ClientConfig{
			ClientID:           clientId,
			Router:             mc.router,
			OnClientError:      mc.onConnError,
			OnServerDisconnect: mc.onSrvDisconnect,
		},
	}

	return
}
