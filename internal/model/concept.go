package model

// StandardConceptFlag marks a concept as standard in the vocabulary
// catalogs.
const StandardConceptFlag = "S"

// ConceptMapping is one row of the optimized vocabulary index: a source
// concept joined to one relationship target, or to nothing when the concept
// has no allow-listed relationship. Immutable once built for a vocabulary
// version and shared read-only across jobs.
type ConceptMapping struct {
	ConceptID        int64  `json:"concept_id"`
	ConceptDomain    string `json:"concept_id_domain"`
	ConceptStandard  string `json:"concept_id_standard"`
	RelationshipID   string `json:"relationship_id"`
	TargetConceptID  int64  `json:"target_concept_id"`
	TargetDomain     string `json:"target_concept_id_domain"`
	TargetStandard   string `json:"target_concept_id_standard"`
}

func (m ConceptMapping) IsStandardTarget() bool {
	return m.TargetStandard == StandardConceptFlag
}

// Relationship kinds retained when building the optimized vocabulary. Any
// other relationship is dropped at index-build time.
var AllowedRelationships = []string{
	"Maps to",
	"Maps to value",
	"Maps to unit",
	"Concept replaced by",
	"Concept was_a to",
	"Concept poss_eq to",
	"Concept same_as to",
	"Concept alt_to to",
}

// Harmonization status tags stamped on intermediate records.
const (
	StatusSourceTargetMapped = "source_concept_id mapped to new target"
	StatusMeasValuePivot     = "source_concept_id mapped to value_as_concept_id"
	StatusTargetRemapped     = "non-standard target_concept_id remapped to standard"
	StatusTargetReplaced     = "deprecated target_concept_id replaced"
	StatusDomainCheck        = "domain check"
	StatusNoChange           = "no mapping applied"
)

// Tag columns carried by every intermediate record between the remapping
// steps and the domain ETL. They are never persisted past consolidation.
const (
	ColSourceConcept         = "source_concept_id"
	ColPreviousTargetConcept = "previous_target_concept_id"
	ColTargetConcept         = "target_concept_id"
	ColTargetDomain          = "target_domain"
	ColTargetTable           = "target_table"
	ColHarmonizationStatus   = "vocab_harmonization_status"
	ColValueAsConcept        = "value_as_concept_id"
)

// TagColumns in stable order, as appended to every tagged dataset.
func TagColumns() []string {
	return []string{
		ColSourceConcept,
		ColPreviousTargetConcept,
		ColTargetConcept,
		ColTargetDomain,
		ColTargetTable,
		ColHarmonizationStatus,
	}
}

// UnknownDomain is stamped on records whose target concept has no matching
// vocabulary row; such records are routed back to their originating table.
const UnknownDomain = "Unknown"

// DomainTable maps a resolved concept domain to the clinical table that owns
// records of that domain.
var DomainTable = map[string]string{
	"Visit":       "visit_occurrence",
	"Condition":   "condition_occurrence",
	"Drug":        "drug_exposure",
	"Procedure":   "procedure_occurrence",
	"Device":      "device_exposure",
	"Measurement": "measurement",
	"Observation": "observation",
	"Note":        "note",
	"Specimen":    "specimen",
}
