package route

// Column types use the substrate's names directly; transforms only ever
// cast, rename, or default, never compute.
const (
	typeBigint    = "BIGINT"
	typeDouble    = "DOUBLE"
	typeVarchar   = "VARCHAR"
	typeDate      = "DATE"
	typeTimestamp = "TIMESTAMP"
)

// placeholderValues populate required columns that have no source, matching
// the defaults used at normalization time. Uncommon values on purpose so
// they are recognizable in delivered data.
var placeholderValues = map[string]string{
	typeVarchar:   "''",
	typeDate:      "'1970-01-01'",
	typeBigint:    "'-1'",
	typeDouble:    "'-1.0'",
	typeTimestamp: "'1901-01-01 00:00:00'",
}

type column struct {
	name     string
	typ      string
	required bool
}

// tableMeta describes one clinical table: its full ordered column list and
// the semantic roles its columns play during routing.
type tableMeta struct {
	name       string
	columns    []column
	primaryKey string

	concept       string
	sourceConcept string
	sourceValue   string
	typeConcept   string
	startDate     string
	startDatetime string
	endDate       string
	endDatetime   string
	valueAsNumber string
	unitConcept   string
}

// HarmonizedTables are the eight source tables that flow through vocabulary
// harmonization.
var HarmonizedTables = []string{
	"condition_occurrence",
	"drug_exposure",
	"procedure_occurrence",
	"measurement",
	"observation",
	"device_exposure",
	"specimen",
	"note",
}

// Domains the routing matrix resolves, in addition to the Unknown fallback.
var RoutedDomains = []string{
	"Condition",
	"Drug",
	"Procedure",
	"Measurement",
	"Observation",
	"Device",
	"Specimen",
	"Note",
	"Visit",
}

var tables = map[string]tableMeta{
	"condition_occurrence": {
		name: "condition_occurrence",
		columns: []column{
			{"condition_occurrence_id", typeBigint, true},
			{"person_id", typeBigint, true},
			{"condition_concept_id", typeBigint, true},
			{"condition_start_date", typeDate, true},
			{"condition_start_datetime", typeTimestamp, false},
			{"condition_end_date", typeDate, false},
			{"condition_end_datetime", typeTimestamp, false},
			{"condition_type_concept_id", typeBigint, true},
			{"condition_status_concept_id", typeBigint, false},
			{"stop_reason", typeVarchar, false},
			{"provider_id", typeBigint, false},
			{"visit_occurrence_id", typeBigint, false},
			{"visit_detail_id", typeBigint, false},
			{"condition_source_value", typeVarchar, false},
			{"condition_source_concept_id", typeBigint, false},
			{"condition_status_source_value", typeVarchar, false},
		},
		primaryKey:    "condition_occurrence_id",
		concept:       "condition_concept_id",
		sourceConcept: "condition_source_concept_id",
		sourceValue:   "condition_source_value",
		typeConcept:   "condition_type_concept_id",
		startDate:     "condition_start_date",
		startDatetime: "condition_start_datetime",
		endDate:       "condition_end_date",
		endDatetime:   "condition_end_datetime",
	},
	"drug_exposure": {
		name: "drug_exposure",
		columns: []column{
			{"drug_exposure_id", typeBigint, true},
			{"person_id", typeBigint, true},
			{"drug_concept_id", typeBigint, true},
			{"drug_exposure_start_date", typeDate, true},
			{"drug_exposure_start_datetime", typeTimestamp, false},
			{"drug_exposure_end_date", typeDate, true},
			{"drug_exposure_end_datetime", typeTimestamp, false},
			{"verbatim_end_date", typeDate, false},
			{"drug_type_concept_id", typeBigint, true},
			{"stop_reason", typeVarchar, false},
			{"refills", typeBigint, false},
			{"quantity", typeDouble, false},
			{"days_supply", typeBigint, false},
			{"sig", typeVarchar, false},
			{"route_concept_id", typeBigint, false},
			{"lot_number", typeVarchar, false},
			{"provider_id", typeBigint, false},
			{"visit_occurrence_id", typeBigint, false},
			{"visit_detail_id", typeBigint, false},
			{"drug_source_value", typeVarchar, false},
			{"drug_source_concept_id", typeBigint, false},
			{"route_source_value", typeVarchar, false},
			{"dose_unit_source_value", typeVarchar, false},
		},
		primaryKey:    "drug_exposure_id",
		concept:       "drug_concept_id",
		sourceConcept: "drug_source_concept_id",
		sourceValue:   "drug_source_value",
		typeConcept:   "drug_type_concept_id",
		startDate:     "drug_exposure_start_date",
		startDatetime: "drug_exposure_start_datetime",
		endDate:       "drug_exposure_end_date",
		endDatetime:   "drug_exposure_end_datetime",
	},
	"procedure_occurrence": {
		name: "procedure_occurrence",
		columns: []column{
			{"procedure_occurrence_id", typeBigint, true},
			{"person_id", typeBigint, true},
			{"procedure_concept_id", typeBigint, true},
			{"procedure_date", typeDate, true},
			{"procedure_datetime", typeTimestamp, false},
			{"procedure_end_date", typeDate, false},
			{"procedure_end_datetime", typeTimestamp, false},
			{"procedure_type_concept_id", typeBigint, true},
			{"modifier_concept_id", typeBigint, false},
			{"quantity", typeBigint, false},
			{"provider_id", typeBigint, false},
			{"visit_occurrence_id", typeBigint, false},
			{"visit_detail_id", typeBigint, false},
			{"procedure_source_value", typeVarchar, false},
			{"procedure_source_concept_id", typeBigint, false},
			{"modifier_source_value", typeVarchar, false},
		},
		primaryKey:    "procedure_occurrence_id",
		concept:       "procedure_concept_id",
		sourceConcept: "procedure_source_concept_id",
		sourceValue:   "procedure_source_value",
		typeConcept:   "procedure_type_concept_id",
		startDate:     "procedure_date",
		startDatetime: "procedure_datetime",
		endDate:       "procedure_end_date",
		endDatetime:   "procedure_end_datetime",
	},
	"measurement": {
		name: "measurement",
		columns: []column{
			{"measurement_id", typeBigint, true},
			{"person_id", typeBigint, true},
			{"measurement_concept_id", typeBigint, true},
			{"measurement_date", typeDate, true},
			{"measurement_datetime", typeTimestamp, false},
			{"measurement_time", typeVarchar, false},
			{"measurement_type_concept_id", typeBigint, true},
			{"operator_concept_id", typeBigint, false},
			{"value_as_number", typeDouble, false},
			{"value_as_concept_id", typeBigint, false},
			{"unit_concept_id", typeBigint, false},
			{"range_low", typeDouble, false},
			{"range_high", typeDouble, false},
			{"provider_id", typeBigint, false},
			{"visit_occurrence_id", typeBigint, false},
			{"visit_detail_id", typeBigint, false},
			{"measurement_source_value", typeVarchar, false},
			{"measurement_source_concept_id", typeBigint, false},
			{"unit_source_value", typeVarchar, false},
			{"unit_source_concept_id", typeBigint, false},
			{"value_source_value", typeVarchar, false},
			{"measurement_event_id", typeBigint, false},
			{"meas_event_field_concept_id", typeBigint, false},
		},
		primaryKey:    "measurement_id",
		concept:       "measurement_concept_id",
		sourceConcept: "measurement_source_concept_id",
		sourceValue:   "measurement_source_value",
		typeConcept:   "measurement_type_concept_id",
		startDate:     "measurement_date",
		startDatetime: "measurement_datetime",
		valueAsNumber: "value_as_number",
		unitConcept:   "unit_concept_id",
	},
	"observation": {
		name: "observation",
		columns: []column{
			{"observation_id", typeBigint, true},
			{"person_id", typeBigint, true},
			{"observation_concept_id", typeBigint, true},
			{"observation_date", typeDate, true},
			{"observation_datetime", typeTimestamp, false},
			{"observation_type_concept_id", typeBigint, true},
			{"value_as_number", typeDouble, false},
			{"value_as_string", typeVarchar, false},
			{"value_as_concept_id", typeBigint, false},
			{"qualifier_concept_id", typeBigint, false},
			{"unit_concept_id", typeBigint, false},
			{"provider_id", typeBigint, false},
			{"visit_occurrence_id", typeBigint, false},
			{"visit_detail_id", typeBigint, false},
			{"observation_source_value", typeVarchar, false},
			{"observation_source_concept_id", typeBigint, false},
			{"unit_source_value", typeVarchar, false},
			{"qualifier_source_value", typeVarchar, false},
			{"value_source_value", typeVarchar, false},
			{"observation_event_id", typeBigint, false},
			{"obs_event_field_concept_id", typeBigint, false},
		},
		primaryKey:    "observation_id",
		concept:       "observation_concept_id",
		sourceConcept: "observation_source_concept_id",
		sourceValue:   "observation_source_value",
		typeConcept:   "observation_type_concept_id",
		startDate:     "observation_date",
		startDatetime: "observation_datetime",
		valueAsNumber: "value_as_number",
		unitConcept:   "unit_concept_id",
	},
	"device_exposure": {
		name: "device_exposure",
		columns: []column{
			{"device_exposure_id", typeBigint, true},
			{"person_id", typeBigint, true},
			{"device_concept_id", typeBigint, true},
			{"device_exposure_start_date", typeDate, true},
			{"device_exposure_start_datetime", typeTimestamp, false},
			{"device_exposure_end_date", typeDate, false},
			{"device_exposure_end_datetime", typeTimestamp, false},
			{"device_type_concept_id", typeBigint, true},
			{"unique_device_id", typeVarchar, false},
			{"production_id", typeVarchar, false},
			{"quantity", typeBigint, false},
			{"provider_id", typeBigint, false},
			{"visit_occurrence_id", typeBigint, false},
			{"visit_detail_id", typeBigint, false},
			{"device_source_value", typeVarchar, false},
			{"device_source_concept_id", typeBigint, false},
			{"unit_concept_id", typeBigint, false},
			{"unit_source_value", typeVarchar, false},
			{"unit_source_concept_id", typeBigint, false},
		},
		primaryKey:    "device_exposure_id",
		concept:       "device_concept_id",
		sourceConcept: "device_source_concept_id",
		sourceValue:   "device_source_value",
		typeConcept:   "device_type_concept_id",
		startDate:     "device_exposure_start_date",
		startDatetime: "device_exposure_start_datetime",
		endDate:       "device_exposure_end_date",
		endDatetime:   "device_exposure_end_datetime",
		unitConcept:   "unit_concept_id",
	},
	"specimen": {
		name: "specimen",
		columns: []column{
			{"specimen_id", typeBigint, true},
			{"person_id", typeBigint, true},
			{"specimen_concept_id", typeBigint, true},
			{"specimen_type_concept_id", typeBigint, true},
			{"specimen_date", typeDate, true},
			{"specimen_datetime", typeTimestamp, false},
			{"quantity", typeDouble, false},
			{"unit_concept_id", typeBigint, false},
			{"anatomic_site_concept_id", typeBigint, false},
			{"disease_status_concept_id", typeBigint, false},
			{"specimen_source_id", typeVarchar, false},
			{"specimen_source_value", typeVarchar, false},
			{"unit_source_value", typeVarchar, false},
			{"anatomic_site_source_value", typeVarchar, false},
			{"disease_status_source_value", typeVarchar, false},
		},
		primaryKey:    "specimen_id",
		concept:       "specimen_concept_id",
		sourceValue:   "specimen_source_value",
		typeConcept:   "specimen_type_concept_id",
		startDate:     "specimen_date",
		startDatetime: "specimen_datetime",
		unitConcept:   "unit_concept_id",
	},
	"note": {
		name: "note",
		columns: []column{
			{"note_id", typeBigint, true},
			{"person_id", typeBigint, true},
			{"note_date", typeDate, true},
			{"note_datetime", typeTimestamp, false},
			{"note_type_concept_id", typeBigint, true},
			{"note_class_concept_id", typeBigint, true},
			{"note_title", typeVarchar, false},
			{"note_text", typeVarchar, true},
			{"encoding_concept_id", typeBigint, true},
			{"language_concept_id", typeBigint, true},
			{"provider_id", typeBigint, false},
			{"visit_occurrence_id", typeBigint, false},
			{"visit_detail_id", typeBigint, false},
			{"note_source_value", typeVarchar, false},
			{"note_event_id", typeBigint, false},
			{"note_event_field_concept_id", typeBigint, false},
		},
		primaryKey:    "note_id",
		concept:       "note_class_concept_id",
		sourceValue:   "note_source_value",
		typeConcept:   "note_type_concept_id",
		startDate:     "note_date",
		startDatetime: "note_datetime",
	},
	// Destination only: the Visit domain relocates records into
	// visit_occurrence, but visit_occurrence itself is not harmonized.
	"visit_occurrence": {
		name: "visit_occurrence",
		columns: []column{
			{"visit_occurrence_id", typeBigint, true},
			{"person_id", typeBigint, true},
			{"visit_concept_id", typeBigint, true},
			{"visit_start_date", typeDate, true},
			{"visit_start_datetime", typeTimestamp, false},
			{"visit_end_date", typeDate, true},
			{"visit_end_datetime", typeTimestamp, false},
			{"visit_type_concept_id", typeBigint, true},
			{"provider_id", typeBigint, false},
			{"care_site_id", typeBigint, false},
			{"visit_source_value", typeVarchar, false},
			{"visit_source_concept_id", typeBigint, false},
			{"admitted_from_concept_id", typeBigint, false},
			{"admitted_from_source_value", typeVarchar, false},
			{"discharged_to_concept_id", typeBigint, false},
			{"discharged_to_source_value", typeVarchar, false},
			{"preceding_visit_occurrence_id", typeBigint, false},
		},
		primaryKey:    "visit_occurrence_id",
		concept:       "visit_concept_id",
		sourceConcept: "visit_source_concept_id",
		sourceValue:   "visit_source_value",
		typeConcept:   "visit_type_concept_id",
		startDate:     "visit_start_date",
		startDatetime: "visit_start_datetime",
		endDate:       "visit_end_date",
		endDatetime:   "visit_end_datetime",
	},
}

// TableMeta exposes the parts of a table's metadata needed outside the
// routing catalog.
type TableMeta struct {
	Name                string
	PrimaryKey          string
	ConceptColumn       string
	SourceConceptColumn string
	Columns             []string
}

func Meta(table string) (TableMeta, bool) {
	m, ok := tables[table]
	if !ok {
		return TableMeta{}, false
	}
	cols := make([]string, 0, len(m.columns))
	for _, c := range m.columns {
		cols = append(cols, c.name)
	}
	return TableMeta{
		Name:                m.name,
		PrimaryKey:          m.primaryKey,
		ConceptColumn:       m.concept,
		SourceConceptColumn: m.sourceConcept,
		Columns:             cols,
	}, true
}

func (m tableMeta) hasColumn(name string) bool {
	for _, c := range m.columns {
		if c.name == name {
			return true
		}
	}
	return false
}
