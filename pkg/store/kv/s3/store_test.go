package s3

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKeyPreservesPrefixes(t *testing.T) {
	s := &S3Store{keyPrefix: "objs/"}

	full := s.objectKey([]byte("o:acct\x00bob"))
	prefix := s.objectKey([]byte("o:"))
	assert.Contains(t, full, prefix)
	assert.Equal(t, "objs/", full[:5])

	back, err := s.decodeObjectKey(full)
	require.NoError(t, err)
	assert.Equal(t, []byte("o:acct\x00bob"), back)

	_, err = s.decodeObjectKey("objs/not-hex")
	assert.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		notFound     bool
		precondition bool
	}{
		{"no such key", &types.NoSuchKey{}, true, false},
		{"head not found", fmt.Errorf("head: %w", &types.NotFound{}), true, false},
		{"generic not found", &smithy.GenericAPIError{Code: "NotFound"}, true, false},
		{"precondition", &smithy.GenericAPIError{Code: "PreconditionFailed"}, false, true},
		{"conditional conflict", &smithy.GenericAPIError{Code: "ConditionalRequestConflict"}, false, true},
		{"other", errors.New("network down"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.notFound, isNotFound(tt.err))
			assert.Equal(t, tt.precondition, isPreconditionFailed(tt.err))
		})
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(context.Background(), S3StoreConfig{Bucket: "b"})
	assert.Error(t, err)
}
