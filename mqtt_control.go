package usbrelay

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/hubertat/usbrelay/drivers"
	"github.com/hubertat/usbrelay/mqtt"
)

const mqttDisconnectTimeout = 2 * time.Second

// MqttSubscribeTopic matches relay commands: <prefix>/relay/<n>/set with a
// payload of 1/0 (or on/off, true/false).
func (ur *UsbRelay) MqttSubscribeTopic() string {
	return ur.mqttTopicPrefix() + "/relay/+/set"
}

func (ur *UsbRelay) MqttHandle(pub *paho.Publish) {
	segments := strings.Split(pub.Topic, "/")
	if len(segments) < 2 {
		ur.logger.Warn("unexpected mqtt topic", "topic", pub.Topic)
		return
	}

	num, err := strconv.Atoi(segments[len(segments)-2])
	if err != nil || num < 1 || num > drivers.RelayCount {
		ur.logger.Warn("mqtt command for invalid relay number", "topic", pub.Topic)
		return
	}

	var on bool
	switch strings.ToLower(strings.TrimSpace(string(pub.Payload))) {
	case "1", "on", "true":
		on = true
	case "0", "off", "false":
		on = false
	default:
		ur.logger.Warn("unparseable mqtt payload", "topic", pub.Topic, "payload", string(pub.Payload))
		return
	}

	err = ur.setMarker(uint(num), on)
	if err != nil {
		ur.logger.Error("mqtt relay update failed", "relay", num, "err", err)
	}
}

func (ur *UsbRelay) StartMqtt(ctx context.Context) error {
	client, err := mqtt.NewMqttClient(ur.MqttBroker, ur.Name)
	if err != nil {
		return errors.Wrap(err, "failed to create mqtt client")
	}

	err = client.Connect(ctx, []mqtt.MqttHandler{ur})
	if err != nil {
		return errors.Wrap(err, "failed to connect to mqtt broker")
	}

	ur.mu.Lock()
	ur.mqttClient = client
	ur.mu.Unlock()

	<-ctx.Done()

	disconnectCtx, cancel := context.WithTimeout(context.Background(), mqttDisconnectTimeout)
	defer cancel()
	return client.Disconnect(disconnectCtx)
}

// publishState pushes the applied state out as a retained message, so late
// subscribers see the current relay bank without waiting for a change.
func (ur *UsbRelay) publishState(mask drivers.RelayMask) {
	ur.mu.Lock()
	client := ur.mqttClient
	ur.mu.Unlock()

	if client == nil {
		return
	}

	payload, err := json.Marshal(statusPayload{
		Name:      ur.Name,
		Connected: true,
		Mask:      uint8(mask),
		Relays:    maskRelayMap(mask),
	})
	if err != nil {
		ur.logger.Warn("failed to marshal mqtt state", "err", err)
		return
	}

	err = client.Publish(ur.mqttTopicPrefix()+"/state", payload)
	if err != nil {
		ur.logger.Warn("failed to publish mqtt state", "err", err)
	}
}
