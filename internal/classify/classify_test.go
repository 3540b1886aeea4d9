package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyExplicitTagWins(t *testing.T) {
	err := Terminalf(CategoryMalformedMessage, "parsing", errors.New("bad bytes"))
	require.Equal(t, Terminal, Classify(err))

	err2 := Retriablef(CategoryIO, "s3 put", errors.New("boom"))
	require.Equal(t, Retriable, Classify(err2))
}

func TestClassifyKnownTransientCategories(t *testing.T) {
	require.Equal(t, Retriable, Classify(errors.New("dial tcp: connection refused")))
	require.Equal(t, Retriable, Classify(errors.New("context: socket timeout reading stream")))
	require.Equal(t, Retriable, Classify(errors.New("lookup host: dns failure")))
}

func TestClassifyHTTPStatus(t *testing.T) {
	require.Equal(t, Retriable, Classify(errors.New("unexpected status code: 503")))
	require.Equal(t, Retriable, Classify(errors.New("request failed with 429")))
	require.Equal(t, Terminal, Classify(errors.New("request failed with 404")))
}

func TestClassifySubstringHeuristics(t *testing.T) {
	require.Equal(t, Retriable, Classify(errors.New("upstream rate limit exceeded")))
	require.Equal(t, Retriable, Classify(errors.New("too many requests from client")))
}

func TestClassifyCancelledIsTerminal(t *testing.T) {
	require.Equal(t, Terminal, Classify(context.Canceled))
	require.Equal(t, Terminal, Classify(context.DeadlineExceeded))
}

func TestClassifyFailClosed(t *testing.T) {
	require.Equal(t, Terminal, Classify(errors.New("something entirely unrecognized happened")))
}

func TestClassifyNilIsRetriable(t *testing.T) {
	require.Equal(t, Retriable, Classify(nil))
}
