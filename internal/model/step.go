package model

// StepKind identifies one harmonization step. The wire names match the
// step identifiers accepted by the orchestration layer, so they are part of
// the external contract and must not change.
type StepKind string

const (
	StepSourceTargetRemap    StepKind = "source_target"
	StepTargetRemap          StepKind = "target_remap"
	StepTargetReplacement    StepKind = "target_replacement"
	StepDomainCheck          StepKind = "domain_check"
	StepDomainETL            StepKind = "omop_etl"
	StepConsolidate          StepKind = "consolidate_etl"
	StepDiscoverDedupTargets StepKind = "discover_tables"
	StepDeduplicateTable     StepKind = "deduplicate_single_table"
)

// StepSequence returns the fixed, ordered step sequence of a harmonization
// run. The first five steps operate per source file, the last three per
// site or per destination table.
func StepSequence() []StepKind {
	return []StepKind{
		StepSourceTargetRemap,
		StepTargetRemap,
		StepTargetReplacement,
		StepDomainCheck,
		StepDomainETL,
		StepConsolidate,
		StepDiscoverDedupTargets,
		StepDeduplicateTable,
	}
}

// PerFileSteps returns the steps that are addressed per source file and make
// up the step sequence of a single file's job.
func PerFileSteps() []StepKind {
	return []StepKind{
		StepSourceTargetRemap,
		StepTargetRemap,
		StepTargetReplacement,
		StepDomainCheck,
		StepDomainETL,
	}
}

func (s StepKind) Valid() bool {
	switch s {
	case StepSourceTargetRemap, StepTargetRemap, StepTargetReplacement,
		StepDomainCheck, StepDomainETL, StepConsolidate,
		StepDiscoverDedupTargets, StepDeduplicateTable:
		return true
	}
	return false
}

// PerFile reports whether the step is addressed per source file. Steps that
// are not per file are addressed per site and do not take a file argument.
func (s StepKind) PerFile() bool {
	switch s {
	case StepSourceTargetRemap, StepTargetRemap, StepTargetReplacement,
		StepDomainCheck, StepDomainETL:
		return true
	}
	return false
}

// StepResultKind discriminates the outcome of a step execution.
type StepResultKind string

const (
	StepAdvanced StepResultKind = "advanced"
	StepErrored  StepResultKind = "errored"
)

// StepResult is returned by the engine for every step invocation. For the
// discovery step TableConfigs carries the units of dedup work that the
// caller must thread into subsequent DeduplicateTable invocations.
type StepResult struct {
	Kind          StepResultKind `json:"kind"`
	NextStepIndex int            `json:"next_step_index,omitempty"`
	Completed     bool           `json:"completed,omitempty"`
	TableConfigs  []TableConfig  `json:"table_configs,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	Message       string         `json:"message,omitempty"`
}

func Advanced(next int, completed bool) StepResult {
	return StepResult{Kind: StepAdvanced, NextStepIndex: next, Completed: completed}
}

func Errored(kind, message string) StepResult {
	return StepResult{Kind: StepErrored, ErrorKind: kind, Message: message}
}
