package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dormauth/internal/config"
)

func TestSearchWithoutIndexConfigured(t *testing.T) {
	// A sink can come up with only some backends wired, e.g. Kafka alone
	// in development. Search must refuse cleanly instead of panicking.
	s := NewSink(nil, nil, nil, nil, &config.Config{})

	records, err := s.Search(context.Background(), map[string]interface{}{
		"query": map[string]interface{}{"match_all": map[string]interface{}{}},
	})
	require.ErrorIs(t, err, ErrSearchUnavailable)
	assert.Nil(t, records)
}
