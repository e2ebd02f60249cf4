package graph

import (
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/modelgraph/pkg/identity"
)

// GraphClient turns canonical entities into triples and writes them to a
// sink in bounded, retried batches.
//
// A GraphClient should be created using NewGraphClient.
type GraphClient struct {
	minter       *identity.Minter
	vocab        Vocabulary
	batchSize    int
	maxRetries   int
	backoff      time.Duration
	batchTimeout time.Duration
	unresolved   UnresolvedPolicy
}

// NewGraphClientParams defines the configuration parameters for creating
// a new GraphClient.
//
// Namespace is the absolute URI under which subject IRIs and the ontology
// are minted. BatchSize bounds triples per sink call. MaxRetries is the
// number of extra attempts for a failed batch, spaced by exponential Backoff.
// BatchTimeout bounds a single attempt; attempts run on a context detached
// from the caller's cancellation.
type NewGraphClientParams struct {
	Namespace        string
	BatchSize        int
	MaxRetries       int
	Backoff          time.Duration
	BatchTimeout     time.Duration
	UnresolvedPolicy UnresolvedPolicy
}

// NewGraphClient creates and returns a new GraphClient configured with
// the provided parameters.
//
// Example:
//
//	client, err := graph.NewGraphClient(graph.NewGraphClientParams{
//		Namespace: "https://w3id.org/modelgraph",
//		BatchSize: 500,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
func NewGraphClient(params NewGraphClientParams) (*GraphClient, error) {
	minter, err := identity.NewMinter(params.Namespace)
	if err != nil {
		return nil, err
	}

	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	maxRetries := params.MaxRetries
	if maxRetries < 0 {
		return nil, errors.New("max retries must not be negative")
	}
	backoff := params.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	batchTimeout := params.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 30 * time.Second
	}
	policy := params.UnresolvedPolicy
	if policy == "" {
		policy = UnresolvedDrop
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("unknown unresolved reference policy %q", policy)
	}

	g := &GraphClient{
		minter:       minter,
		vocab:        NewVocabulary(minter.Namespace() + "/ontology"),
		batchSize:    batchSize,
		maxRetries:   maxRetries,
		backoff:      backoff,
		batchTimeout: batchTimeout,
		unresolved:   policy,
	}

	return g, nil
}

func (g *GraphClient) Minter() *identity.Minter { return g.minter }

func (g *GraphClient) Vocabulary() Vocabulary { return g.vocab }
