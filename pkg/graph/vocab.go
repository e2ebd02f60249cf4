package graph

import (
	"net/url"
	"strings"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
)

// Standard vocabularies.
const (
	RDFType  = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	RDFJSON  = "http://www.w3.org/1999/02/22-rdf-syntax-ns#JSON"
	XSD      = "http://www.w3.org/2001/XMLSchema#"
	Schema   = "https://schema.org/"
	DCTerms  = "http://purl.org/dc/terms/"
	XSDStr   = XSD + "string"
	XSDBool  = XSD + "boolean"
	XSDInt   = XSD + "integer"
	XSDFloat = XSD + "double"
	XSDDate  = XSD + "dateTime"
)

// Vocabulary builds class and predicate IRIs under one ontology namespace,
// e.g. "https://w3id.org/modelgraph/ontology/".
type Vocabulary struct {
	ns string
}

func NewVocabulary(namespace string) Vocabulary {
	ns := strings.TrimSuffix(namespace, "/") + "/"
	return Vocabulary{ns: ns}
}

// Class returns the type IRI of an entity kind.
func (v Vocabulary) Class(kind common.EntityKind) string {
	switch kind.FetchKind() {
	case common.KindModel:
		return v.ns + "MLModel"
	case common.KindDataset:
		return Schema + "Dataset"
	case common.KindPaper:
		return Schema + "ScholarlyArticle"
	case common.KindLicense:
		return DCTerms + "LicenseDocument"
	case common.KindKeyword:
		return Schema + "DefinedTerm"
	}
	return v.ns + "Entity"
}

var wellKnownPredicates = map[string]string{
	"name":         Schema + "name",
	"title":        Schema + "headline",
	"description":  Schema + "description",
	"summary":      Schema + "abstract",
	"author":       Schema + "author",
	"authors":      Schema + "author",
	"createdAt":    Schema + "dateCreated",
	"lastModified": Schema + "dateModified",
	"publishedAt":  Schema + "datePublished",
	"url":          Schema + "url",
}

// Identifier is the predicate of every known identifier of an entity.
func (v Vocabulary) Identifier() string { return Schema + "identifier" }

// Name is the predicate of the display name.
func (v Vocabulary) Name() string { return Schema + "name" }

// Property returns the predicate IRI of a canonical property.
func (v Vocabulary) Property(name string) string {
	if iri, ok := wellKnownPredicates[name]; ok {
		return iri
	}
	return v.ns + "property/" + url.PathEscape(name)
}

// Relation returns the predicate linking an entity to a reference target.
func (v Vocabulary) Relation(kind common.EntityKind) string {
	switch kind {
	case common.KindBaseModel:
		return v.ns + "baseModel"
	case common.KindModel:
		return v.ns + "relatedModel"
	case common.KindDataset:
		return v.ns + "trainedOn"
	case common.KindPaper:
		return Schema + "citation"
	case common.KindLicense:
		return Schema + "license"
	case common.KindKeyword:
		return Schema + "keywords"
	}
	return v.ns + "references"
}
