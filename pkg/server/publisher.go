package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/types"
)

const publishTimeout = 5 * time.Second

// Publisher announces plans and charge transitions to other systems.
type Publisher interface {
	PublishPlan(ctx context.Context, snap PlanSnapshot)
	PublishAction(ctx context.Context, action types.Action)
	Close()
}

type noopPublisher struct{}

func (noopPublisher) PublishPlan(context.Context, PlanSnapshot)   {}
func (noopPublisher) PublishAction(context.Context, types.Action) {}
func (noopPublisher) Close()                                      {}

// mqttClient is the part of mqtt.Client the publisher uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher publishes retained state topics below a prefix:
//
//	{prefix}/status    online/offline (last will)
//	{prefix}/plan      JSON PlanSnapshot
//	{prefix}/charging  ON/OFF
//	{prefix}/action    JSON Action, not retained
type MQTTPublisher struct {
	client mqttClient
	conn   mqtt.Client
	prefix string
}

func configuredPublisher() Publisher {
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL (e.g. tcp://homeassistant:1883), empty disables publishing")
	clientID := lflag.String("mqtt-client-id", "chargeplanner", "MQTT client ID")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	prefix := lflag.String("mqtt-topic-prefix", "chargeplanner", "Prefix of all published topics")
	discovery := lflag.Bool("mqtt-discovery", true, "Publish Home Assistant discovery configs on connect")

	var p struct{ Publisher }
	p.Publisher = noopPublisher{}

	lflag.Do(func() {
		if *broker == "" {
			return
		}
		topic := strings.TrimSuffix(*prefix, "/")
		pub := &MQTTPublisher{prefix: topic}

		opts := mqtt.NewClientOptions().
			AddBroker(*broker).
			SetClientID(*clientID).
			SetUsername(*username).
			SetPassword(*password).
			SetWill(topic+"/status", "offline", 0, true).
			SetAutoReconnect(true).
			SetConnectRetry(true).
			SetConnectRetryInterval(10 * time.Second).
			SetOrderMatters(false)
		opts.OnConnect = func(c mqtt.Client) {
			ctx := context.Background()
			log.Ctx(ctx).InfoContext(ctx, "mqtt connected", slog.String("broker", *broker))
			c.Publish(topic+"/status", 0, true, "online").WaitTimeout(publishTimeout)
			if *discovery {
				pub.publishDiscovery(ctx)
			}
		}
		opts.OnConnectionLost = func(_ mqtt.Client, err error) {
			ctx := context.Background()
			log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
		}

		c := mqtt.NewClient(opts)
		pub.client = c
		pub.conn = c
		// with connect retry the token only completes once connected, so
		// don't block startup on an unreachable broker
		if token := c.Connect(); token.WaitTimeout(publishTimeout) && token.Error() != nil {
			panic(fmt.Sprintf("failed to connect to mqtt broker: %v", token.Error()))
		}
		p.Publisher = pub
	})

	return &p
}

func (p *MQTTPublisher) publish(ctx context.Context, subtopic string, retained bool, payload interface{}) {
	topic := p.prefix + "/" + subtopic
	token := p.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		log.Ctx(ctx).WarnContext(ctx, "mqtt publish timed out", slog.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish", slog.String("topic", topic), slog.Any("error", err))
	}
}

func (p *MQTTPublisher) publishJSON(ctx context.Context, subtopic string, retained bool, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to encode mqtt payload", slog.String("subtopic", subtopic), slog.Any("error", err))
		return
	}
	p.publish(ctx, subtopic, retained, b)
}

// PublishPlan implements Publisher.
func (p *MQTTPublisher) PublishPlan(ctx context.Context, snap PlanSnapshot) {
	p.publishJSON(ctx, "plan", true, snap)
}

// PublishAction implements Publisher.
func (p *MQTTPublisher) PublishAction(ctx context.Context, action types.Action) {
	p.publishJSON(ctx, "action", false, action)
	if action.Failed || action.DryRun {
		return
	}
	state := "OFF"
	if action.Charge {
		state = "ON"
	}
	p.publish(ctx, "charging", true, state)
}

// Close implements Publisher.
func (p *MQTTPublisher) Close() {
	if p.conn == nil {
		return
	}
	p.publish(context.Background(), "status", true, "offline")
	p.conn.Disconnect(250)
}

type discoveryConfig struct {
	DeviceClass       string          `json:"dev_cla,omitempty"`
	UnitOfMeasurement string          `json:"unit_of_meas,omitempty"`
	Name              string          `json:"name"`
	StateTopic        string          `json:"stat_t"`
	ValueTemplate     string          `json:"val_tpl,omitempty"`
	AvailabilityTopic string          `json:"avty_t"`
	UniqueID          string          `json:"uniq_id"`
	Device            discoveryDevice `json:"dev"`
}

type discoveryDevice struct {
	IDs  string `json:"ids"`
	Name string `json:"name"`
}

func (p *MQTTPublisher) publishDiscovery(ctx context.Context) {
	hostname, _ := os.Hostname()
	device := discoveryDevice{IDs: p.prefix + "_" + hostname, Name: "Charge Planner"}
	entities := []struct {
		component string
		cfg       discoveryConfig
	}{
		{"binary_sensor", discoveryConfig{
			DeviceClass: "battery_charging",
			Name:        "grid_charging",
			StateTopic:  p.prefix + "/charging",
		}},
		{"sensor", discoveryConfig{
			DeviceClass:       "battery",
			UnitOfMeasurement: "%",
			Name:              "plan_min_soc",
			StateTopic:        p.prefix + "/plan",
			ValueTemplate:     "{{ value_json.plan.minSOCReached | round(1) }}",
		}},
		{"sensor", discoveryConfig{
			DeviceClass:       "energy",
			UnitOfMeasurement: "kWh",
			Name:              "plan_charging_energy",
			StateTopic:        p.prefix + "/plan",
			ValueTemplate:     "{{ value_json.plan.totalChargingKWH | round(2) }}",
		}},
	}
	for _, e := range entities {
		cfg := e.cfg
		cfg.AvailabilityTopic = p.prefix + "/status"
		cfg.UniqueID = fmt.Sprint(p.prefix, ".", hostname, ".", cfg.Name)
		cfg.Device = device
		b, err := json.Marshal(cfg)
		if err != nil {
			continue
		}
		topic := fmt.Sprintf("homeassistant/%s/%s_%s/%s/config", e.component, p.prefix, hostname, cfg.Name)
		if token := p.client.Publish(topic, 0, true, b); token.WaitTimeout(publishTimeout) && token.Error() != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish discovery config", slog.String("topic", topic), slog.Any("error", token.Error()))
		}
	}
}
