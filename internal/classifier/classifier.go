// Package classifier turns a staged image into a classification by running an
// external worker against it.
package classifier

import "context"

// Result is a successful classification.
type Result struct {
	AnimalType string  `json:"animalType"`
	Confidence float64 `json:"confidence"`
}

// Classifier classifies the image stored at imagePath. Failures are
// *pipeline.Error values.
type Classifier interface {
	Classify(ctx context.Context, imagePath string) (*Result, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, imagePath string) (*Result, error)

func (f ClassifierFunc) Classify(ctx context.Context, imagePath string) (*Result, error) {
	return f(ctx, imagePath)
}
