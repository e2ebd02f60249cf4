package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
)

var (
	ErrEmptyNamespace  = errors.New("identity namespace is empty")
	ErrEmptyIdentifier = errors.New("entity has no primary identifier")
)

// Minter derives stable subject IRIs. The same logical entity always mints
// the same IRI, across calls and across processes, which is what makes graph
// writes idempotent.
type Minter struct {
	namespace string
}

// NewMinter returns a Minter rooted at namespace, which must be an absolute
// URI such as "https://w3id.org/modelgraph".
func NewMinter(namespace string) (*Minter, error) {
	ns := strings.TrimSuffix(strings.TrimSpace(namespace), "/")
	if ns == "" {
		return nil, ErrEmptyNamespace
	}
	if !IsAbsoluteURI(ns) {
		return nil, fmt.Errorf("identity namespace %q is not an absolute URI", namespace)
	}
	return &Minter{namespace: ns}, nil
}

func (m *Minter) Namespace() string { return m.namespace }

// Mint returns the subject IRI of entity: its primary identifier verbatim if
// that is already an absolute URI, else <namespace>/<kind>/<sha256 hex>.
func (m *Minter) Mint(entity *common.CanonicalEntity) (string, error) {
	return m.MintID(entity.Kind, entity.PrimaryIdentifier())
}

// MintReference returns the IRI a reference target would mint once fetched.
func (m *Minter) MintReference(ref common.EntityReference) (string, error) {
	return m.MintID(ref.Kind, ref.NormalizedID)
}

// MintID mints from a kind and primary identifier.
func (m *Minter) MintID(kind common.EntityKind, primary string) (string, error) {
	primary = strings.TrimSpace(primary)
	if primary == "" {
		return "", ErrEmptyIdentifier
	}
	if IsAbsoluteURI(primary) {
		return primary, nil
	}
	sum := sha256.Sum256([]byte(primary))
	return m.namespace + "/" + string(kind.FetchKind()) + "/" + hex.EncodeToString(sum[:]), nil
}

// IsAbsoluteURI reports whether s parses as a URI with scheme and host.
func IsAbsoluteURI(s string) bool {
	if strings.ContainsAny(s, " \t\n<>\"{}|\\^`") {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Host != ""
}
