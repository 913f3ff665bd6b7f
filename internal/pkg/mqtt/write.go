package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anicoll/amber-price-integration/internal/pkg/model"
)

// Announce publishes a retained Home Assistant discovery config per reading.
func (s *service) Announce(ctx context.Context, readings []model.Reading) error {
	for _, r := range readings {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := json.Marshal(registerMsg(r))
		if err != nil {
			return err
		}
		topic := fmt.Sprintf("%s/sensor/%s/config", s.discoveryPrefix, r.UniqueID)
		if err := wait(s.client.Publish(topic, 1, true, payload), s.timeout); err != nil {
			return fmt.Errorf("announcing %s: %w", r.UniqueID, err)
		}
	}
	return nil
}

// Write publishes the state and attributes of each reading.
func (s *service) Write(ctx context.Context, readings []model.Reading) error {
	for _, r := range readings {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.PublishData(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *service) PublishData(r model.Reading) error {
	base := baseTopic(r)
	state := r.State
	if !r.Known {
		// Home Assistant maps None onto its unknown state.
		state = "None"
	}
	if err := wait(s.client.Publish(base+"/state", 0, true, state), s.timeout); err != nil {
		return fmt.Errorf("publishing %s state: %w", r.UniqueID, err)
	}

	attributes, err := json.Marshal(r.Attributes)
	if err != nil {
		return err
	}
	if err := wait(s.client.Publish(base+"/attributes", 0, true, attributes), s.timeout); err != nil {
		return fmt.Errorf("publishing %s attributes: %w", r.UniqueID, err)
	}
	return nil
}

func baseTopic(r model.Reading) string {
	return fmt.Sprintf("amber/%s/%s/%s", r.PostCode, r.Channel, r.Kind)
}

func registerMsg(r model.Reading) model.RegisterMessage {
	msg := model.RegisterMessage{
		Tilda:               baseTopic(r),
		Name:                r.Name,
		ID:                  r.UniqueID,
		StateTopic:          "~/state",
		JSONAttributesTopic: "~/attributes",
		Icon:                r.Icon,
		Device: model.RegisterDevice{
			Name:         fmt.Sprintf("Amber Energy - %s", r.PostCode),
			Identifiers:  []string{fmt.Sprintf("amber_%s", r.PostCode)},
			Model:        "Postcode Prices",
			Manufacturer: "Amber Electric",
		},
	}
	// text sensors carry no unit
	if !model.TextSensors.HasSlug(r.Kind.String()) {
		msg.UnitOfMeasurement = string(r.Unit)
	}
	return msg
}
