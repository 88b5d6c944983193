package model

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Regressor predicts the harmonization parameters for a batch. Its variables
// live under Scope() in the context it was built in.
type Regressor interface {
	// Scope is the context scope holding the regressor's variables.
	Scope() string

	// Embed maps concat(image, mask) [N,4,H,W] to the embedding [N,F]. The first
	// three components are brightness, contrast and saturation factors.
	Embed(input *Node) *Node

	// ColorCoefficients maps concat(image, composite, mask) [N,7,H,W] to the
	// curve coefficients [N,12].
	ColorCoefficients(input *Node) *Node
}
