// Package protocol defines the JSON messages exchanged with render widgets.
package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/Faultbox/meshlive/internal/mesh"
	"github.com/Faultbox/meshlive/internal/scene"
	"github.com/Faultbox/meshlive/pkg/math"
)

// Type names a message.
type Type string

// Server to widget.
const (
	TypeFull   Type = "full"
	TypeDelta  Type = "delta"
	TypeStatus Type = "status"
)

// Widget to server.
const (
	TypeAck         Type = "ack"
	TypeView        Type = "view"
	TypeRebuild     Type = "rebuild"
	TypeResetCamera Type = "reset_camera"
)

// ErrUnknownType is returned by Decode for message types this version does
// not understand. Receivers ignore such messages.
var ErrUnknownType = errors.New("unknown message type")

// Mesh is the wire form of an installed artifact.
type Mesh struct {
	ID         string      `json:"id"`
	SourceHash string      `json:"source_hash"`
	Positions  []float32   `json:"positions"`
	Normals    []float32   `json:"normals"`
	Indices    []uint32    `json:"indices"`
	Bounds     math.Bounds `json:"bounds"`
	Params     mesh.Params `json:"params"`
}

// Full carries the complete scene of a target.
type Full struct {
	Type       Type       `json:"type"`
	Target     string     `json:"target"`
	Generation uint64     `json:"generation"`
	Mesh       *Mesh      `json:"mesh,omitempty"`
	View       scene.View `json:"view"`
}

// Delta carries view changes only; the widget keeps its mesh.
type Delta struct {
	Type       Type       `json:"type"`
	Target     string     `json:"target"`
	Generation uint64     `json:"generation"`
	View       scene.View `json:"view"`
}

// Status reports build progress and user-visible build errors.
type Status struct {
	Type       Type   `json:"type"`
	Target     string `json:"target"`
	State      string `json:"state"`
	Generation uint64 `json:"generation,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Ack confirms that the widget applied a generation.
type Ack struct {
	Type       Type   `json:"type"`
	Generation uint64 `json:"generation"`
}

// ViewUpdate asks the server to commit a view.
type ViewUpdate struct {
	Type Type       `json:"type"`
	View scene.View `json:"view"`
}

// Rebuild asks for a rebuild, optionally with new parameters.
type Rebuild struct {
	Type   Type         `json:"type"`
	Params *mesh.Params `json:"params,omitempty"`
}

// ResetCamera asks the server to refit the camera to the mesh.
type ResetCamera struct {
	Type Type `json:"type"`
}

// NewFull builds a full snapshot of st.
func NewFull(st scene.State) *Full {
	msg := &Full{
		Type:       TypeFull,
		Target:     st.Target,
		Generation: st.Generation,
		View:       st.View,
	}
	if a := st.Artifact; a != nil {
		msg.Mesh = &Mesh{
			ID:         a.ID,
			SourceHash: a.SourceHash,
			Positions:  a.Buffers.Positions,
			Normals:    a.Buffers.Normals,
			Indices:    a.Buffers.Indices,
			Bounds:     a.Bounds,
			Params:     a.Params,
		}
	}
	return msg
}

// NewDelta builds a view-only update for st.
func NewDelta(st scene.State) *Delta {
	return &Delta{
		Type:       TypeDelta,
		Target:     st.Target,
		Generation: st.Generation,
		View:       st.View,
	}
}

// Encode marshals a message.
func Encode(msg any) ([]byte, error) {
	return sonic.Marshal(msg)
}

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses a widget message into *Ack, *ViewUpdate, *Rebuild or
// *ResetCamera. Server messages are accepted too so that clients and tests
// can share it.
func Decode(data []byte) (any, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}

	var msg any
	switch env.Type {
	case TypeAck:
		msg = &Ack{}
	case TypeView:
		msg = &ViewUpdate{}
	case TypeRebuild:
		msg = &Rebuild{}
	case TypeResetCamera:
		msg = &ResetCamera{}
	case TypeFull:
		msg = &Full{}
	case TypeDelta:
		msg = &Delta{}
	case TypeStatus:
		msg = &Status{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := sonic.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %s message: %w", env.Type, err)
	}
	return msg, nil
}
