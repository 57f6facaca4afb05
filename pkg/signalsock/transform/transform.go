// Package transform provides inbound envelope transforms for a Channel.
package transform

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/jonboulle/clockwork"
	"github.com/tsarna/signalsock/pkg/signalsock"
)

// EnvelopeTransformFunc rewrites or drops an envelope before dispatch.
//
// Returns:
//   - *signalsock.Envelope: the transformed envelope (nil to drop it)
//   - bool: whether later transforms run (ignored if the envelope is nil)
type EnvelopeTransformFunc = signalsock.TransformFunc

// DataTransformFunc transforms the data of an envelope. fields holds the
// values captured by a named pattern such as "sensor/+device/data". Returning
// nil drops the envelope.
type DataTransformFunc func(data json.RawMessage, fields map[string]string) json.RawMessage

// DropEventPattern drops envelopes whose event name matches an MQTT-style pattern.
//
// Pattern examples:
//   - "secret/+" drops "secret/a" but not "secret/a/b"
//   - "debug/#" drops everything under "debug/"
func DropEventPattern(pattern string) EnvelopeTransformFunc {
	return func(env *signalsock.Envelope) (*signalsock.Envelope, bool) {
		if mqttpattern.Matches(pattern, env.Event) {
			return nil, false
		}
		return env, true
	}
}

// DropEventPrefix drops envelopes whose event name starts with prefix.
func DropEventPrefix(prefix string) EnvelopeTransformFunc {
	return func(env *signalsock.Envelope) (*signalsock.Envelope, bool) {
		if strings.HasPrefix(env.Event, prefix) {
			return nil, false
		}
		return env, true
	}
}

// AddEventPrefix renames every envelope to prefix + event.
func AddEventPrefix(prefix string) EnvelopeTransformFunc {
	return func(env *signalsock.Envelope) (*signalsock.Envelope, bool) {
		return &signalsock.Envelope{Event: prefix + env.Event, Data: env.Data}, true
	}
}

// RateLimitByEvent drops envelopes arriving less than minInterval after the
// last one kept for the same event name. A nil clock uses the real clock.
func RateLimitByEvent(minInterval time.Duration, clock clockwork.Clock) EnvelopeTransformFunc {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var mu sync.Mutex
	lastKept := make(map[string]time.Time)

	return func(env *signalsock.Envelope) (*signalsock.Envelope, bool) {
		mu.Lock()
		defer mu.Unlock()

		now := clock.Now()
		if last, ok := lastKept[env.Event]; ok && now.Sub(last) < minInterval {
			return nil, false
		}
		lastKept[env.Event] = now
		return env, true
	}
}

// ChainTransforms combines transforms into one, so a pipeline can be reused.
//
//	security := ChainTransforms(
//	    DropEventPattern("secret/+"),
//	    DropEventPrefix("internal/"),
//	)
func ChainTransforms(transforms ...EnvelopeTransformFunc) EnvelopeTransformFunc {
	return func(env *signalsock.Envelope) (*signalsock.Envelope, bool) {
		current := env
		for _, transform := range transforms {
			next, cont := transform(current)
			if next == nil || !cont {
				return next, cont
			}
			current = next
		}
		return current, true
	}
}

// IfPattern applies transform only to envelopes whose event name matches
// pattern; others pass through.
func IfPattern(pattern string, transform EnvelopeTransformFunc) EnvelopeTransformFunc {
	return func(env *signalsock.Envelope) (*signalsock.Envelope, bool) {
		if mqttpattern.Matches(pattern, env.Event) {
			return transform(env)
		}
		return env, true
	}
}

// IfElsePattern applies ifTransform to matching envelopes and elseTransform
// to the rest.
func IfElsePattern(pattern string, ifTransform, elseTransform EnvelopeTransformFunc) EnvelopeTransformFunc {
	return func(env *signalsock.Envelope) (*signalsock.Envelope, bool) {
		if mqttpattern.Matches(pattern, env.Event) {
			return ifTransform(env)
		}
		return elseTransform(env)
	}
}

// TransformOnPattern applies transform to the data of envelopes matching
// pattern, passing the named fields extracted from the event name.
//
//	TransformOnPattern("sensor/+device/data", func(data json.RawMessage, fields map[string]string) json.RawMessage {
//	    if fields["device"] == "blocked" {
//	        return nil
//	    }
//	    return data
//	})
func TransformOnPattern(pattern string, transform DataTransformFunc) EnvelopeTransformFunc {
	return func(env *signalsock.Envelope) (*signalsock.Envelope, bool) {
		if !mqttpattern.Matches(pattern, env.Event) {
			return env, true
		}

		data := transform(env.Data, mqttpattern.Extract(pattern, env.Event))
		if data == nil {
			return nil, true
		}
		return &signalsock.Envelope{Event: env.Event, Data: data}, true
	}
}

// ModifyData applies transform to the data of every envelope.
func ModifyData(transform DataTransformFunc) EnvelopeTransformFunc {
	return func(env *signalsock.Envelope) (*signalsock.Envelope, bool) {
		data := transform(env.Data, map[string]string{})
		if data == nil {
			return nil, true
		}
		return &signalsock.Envelope{Event: env.Event, Data: data}, true
	}
}
