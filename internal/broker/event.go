package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fruitsalade/nsmirror/internal/model"
)

// Event is a decoded change notification.
type Event struct {
	// Path is the namespace path the change concerns.
	Path string
	// Hint is the broker's change kind (the delivery routing key, for
	// example "collection.add"). Advisory only.
	Hint string
}

var errNoPath = errors.New("notification carries no path")

type notification struct {
	Path   string          `json:"path"`
	Entity string          `json:"entity"`
	Data   json.RawMessage `json:"data"`
}

// decodeEvent extracts the changed path from a notification body. The path
// is read from "path", then "entity", then "data.path".
func decodeEvent(d Delivery) (Event, error) {
	var n notification
	if err := json.Unmarshal(d.Body, &n); err != nil {
		return Event{}, fmt.Errorf("decode notification: %w", err)
	}

	p := n.Path
	if p == "" {
		p = n.Entity
	}
	if p == "" && len(n.Data) > 0 {
		var data struct {
			Path string `json:"path"`
		}
		if json.Unmarshal(n.Data, &data) == nil {
			p = data.Path
		}
	}
	p = strings.TrimSpace(p)
	if p == "" {
		return Event{}, errNoPath
	}
	return Event{Path: model.CleanPath(p), Hint: d.RoutingKey}, nil
}

type leaseClient struct {
	UserID          string `json:"user_id"`
	ApplicationName string `json:"application_name"`
}

type leaseRequest struct {
	Request   string           `json:"request"`
	Client    leaseClient      `json:"client"`
	Acceptors []model.Acceptor `json:"acceptors"`
}
