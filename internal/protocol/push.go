// Package protocol defines the messages exchanged between the host and the
// sandboxed content.
//
// Host to sandbox traffic is a [Call]: the name of a function on the sandbox's
// bridge object plus an argument list. Arguments are plain data (strings,
// numbers, null) and are handed to the sandbox as values, never spliced into
// script text.
//
// Sandbox to host traffic is an [Envelope] posted to a named message handler.
// [DecodeRequest] validates an envelope once, at the boundary, and turns it
// into one of the [Request] variants.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joeycumines/spatial-bridge/internal/matrix"
)

// BridgeObject is the global object in the sandbox that receives pushes.
const BridgeObject = "ARKitBridge"

// Push and response function names, relative to BridgeObject.
const (
	FuncViewProjectionUpdate   = "viewProjectionMatrixUpdate"
	FuncLightingEstimateUpdate = "lightingEstimateUpdate"
	FuncAnchorTransformUpdate  = "anchorTransformUpdate"
	FuncImageAnchorResponse    = "imageAnchorResponse"
	FuncHitTestResponse        = "hitTestResponse"
	FuncRegisterAnchorResponse = "registerAnchorResponse"
	FuncAnchorRemoved          = "anchorRemoved"
)

// Call invokes a named function in the sandbox with an argument list.
type Call struct {
	// Function is a dotted path from the sandbox's global scope,
	// e.g. "ARKitBridge.hitTestResponse".
	Function string `json:"function" cbor:"1,keyasint"`
	// Args holds JSON-compatible values only.
	Args []any `json:"args" cbor:"2,keyasint"`
}

// Path splits Function into its property path.
func (c Call) Path() []string {
	return strings.Split(c.Function, ".")
}

// Method returns the last element of Function.
func (c Call) Method() string {
	if i := strings.LastIndexByte(c.Function, '.'); i >= 0 {
		return c.Function[i+1:]
	}
	return c.Function
}

// PerFrame reports whether c is a per-frame push that the next frame's push
// of the same kind supersedes. Responses and one-off pushes are not.
func (c Call) PerFrame() bool {
	if !strings.HasPrefix(c.Function, BridgeObject+".") {
		return false
	}
	switch c.Method() {
	case FuncViewProjectionUpdate, FuncLightingEstimateUpdate, FuncAnchorTransformUpdate:
		return true
	default:
		return false
	}
}

func (c Call) String() string {
	return fmt.Sprintf("%s(%d args)", c.Function, len(c.Args))
}

func bridgeCall(method string, args ...any) Call {
	return Call{Function: BridgeObject + "." + method, Args: args}
}

// ViewProjectionUpdate is pushed once per rendered frame.
func ViewProjectionUpdate(view, projection matrix.Transform) Call {
	return bridgeCall(FuncViewProjectionUpdate, matrix.Encode(view), matrix.Encode(projection))
}

// LightingEstimateUpdate is pushed once per frame when a light estimate exists.
// Intensity is in lux, temperature in Kelvin.
func LightingEstimateUpdate(ambientIntensity, ambientColorTemperature float32) Call {
	return bridgeCall(FuncLightingEstimateUpdate, ambientIntensity, ambientColorTemperature)
}

// AnchorTransformUpdate carries identifier -> flattened transform for every
// anchor active this frame, as a single JSON object string.
func AnchorTransformUpdate(anchors map[string]matrix.Transform) Call {
	flat := make(map[string][]float32, len(anchors))
	for id, t := range anchors {
		flat[id] = matrix.Flatten(t)
	}
	b, err := json.Marshal(flat)
	if err != nil {
		panic(fmt.Sprintf("protocol: encode anchors: %v", err))
	}
	return bridgeCall(FuncAnchorTransformUpdate, string(b))
}

// ImageAnchorRecognized is pushed once, when an image anchor is first added.
func ImageAnchorRecognized(imageName string, t matrix.Transform) Call {
	return bridgeCall(FuncImageAnchorResponse, imageName, matrix.Encode(t))
}

// HitTestResponse answers a hit-test request. A nil hit is sent as null.
func HitTestResponse(requestID string, hit *matrix.Transform) Call {
	if hit == nil {
		return bridgeCall(FuncHitTestResponse, requestID, nil)
	}
	return bridgeCall(FuncHitTestResponse, requestID, matrix.Encode(*hit))
}

// RegisterAnchorResponse answers a register-anchor request with the new
// anchor's identifier.
func RegisterAnchorResponse(requestID, anchorID string) Call {
	return bridgeCall(FuncRegisterAnchorResponse, requestID, anchorID)
}

// AnchorRemoved tells the sandbox the tracking subsystem dropped an anchor.
func AnchorRemoved(anchorID string) Call {
	return bridgeCall(FuncAnchorRemoved, anchorID)
}
