package testutil

// FixedIDGenerator returns the same engine id every time.
//
// Unlike engine.FixedGenerator, which hands out ids in sequence, this never
// runs out, so a scenario can build any number of engines that all log
// under one id.
type FixedIDGenerator struct {
	id string
}

// NewFixedIDGenerator creates a generator for id.
// If id is empty, Generate returns "test-engine".
func NewFixedIDGenerator(id string) *FixedIDGenerator {
	if id == "" {
		id = "test-engine"
	}
	return &FixedIDGenerator{id: id}
}

// Generate returns the fixed id.
func (g *FixedIDGenerator) Generate() string {
	return g.id
}
