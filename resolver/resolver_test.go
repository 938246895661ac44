package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentEndpointURL(t *testing.T) {
	e := AgentEndpoint{Host: "signer-1.internal.", Port: 8080}
	assert.Equal(t, "http://signer-1.internal:8080", e.URL())

	e = AgentEndpoint{Host: "localhost", Port: 9000}
	assert.Equal(t, "http://localhost:9000", e.URL())
}
