package regulatory

import (
	"strconv"
	"time"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SearchQuery describes one page of an upstream search. Search uses the
// upstream's field:value query syntax, for example `product_code:DQY` or
// `device_name:"infusion pump"`.
type SearchQuery struct {
	Search string
	Sort   string
	Limit  int
	Skip   int
}

// normalized clamps paging to the bounds the upstream accepts
func (q SearchQuery) normalized() SearchQuery {
	if q.Limit <= 0 {
		q.Limit = defaultPageSize
	}
	if q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}
	if q.Skip < 0 {
		q.Skip = 0
	}
	return q
}

// params returns the query parameters for this search. The same map seeds
// request deduplication and fallback cache keys, so it must not contain
// anything request-unique such as credentials.
func (q SearchQuery) params() map[string]string {
	params := map[string]string{
		"limit": strconv.Itoa(q.Limit),
	}
	if q.Search != "" {
		params["search"] = q.Search
	}
	if q.Sort != "" {
		params["sort"] = q.Sort
	}
	if q.Skip > 0 {
		params["skip"] = strconv.Itoa(q.Skip)
	}
	return params
}

// Meta is the envelope metadata returned with every search response
type Meta struct {
	Disclaimer  string      `json:"disclaimer,omitempty"`
	LastUpdated string      `json:"last_updated,omitempty"`
	Results     MetaResults `json:"results"`
}

// MetaResults describes the page window of a search response
type MetaResults struct {
	Skip  int `json:"skip"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

// DeviceSearchResult is one page of records from a regulatory search
// endpoint. Stale and Age describe how the payload was served and are not
// part of the upstream wire format.
type DeviceSearchResult[T any] struct {
	Meta    Meta `json:"meta"`
	Results []T  `json:"results"`

	Stale bool          `json:"-"`
	Age   time.Duration `json:"-"`
}

// ServedStale reports whether this page came from the fallback cache and
// how old it was at serving time. Callers holding the result behind an
// interface value can reach it without knowing the record type.
func (r *DeviceSearchResult[T]) ServedStale() (bool, time.Duration) {
	return r.Stale, r.Age
}

// Device510K is a premarket notification (510(k)) clearance record
type Device510K struct {
	KNumber                      string `json:"k_number"`
	Applicant                    string `json:"applicant,omitempty"`
	DeviceName                   string `json:"device_name,omitempty"`
	ProductCode                  string `json:"product_code,omitempty"`
	RegulationNumber             string `json:"regulation_number,omitempty"`
	ClearanceType                string `json:"clearance_type,omitempty"`
	DecisionCode                 string `json:"decision_code,omitempty"`
	DecisionDescription          string `json:"decision_description,omitempty"`
	DecisionDate                 string `json:"decision_date,omitempty"`
	DateReceived                 string `json:"date_received,omitempty"`
	AdvisoryCommittee            string `json:"advisory_committee,omitempty"`
	AdvisoryCommitteeDescription string `json:"advisory_committee_description,omitempty"`
	City                         string `json:"city,omitempty"`
	State                        string `json:"state,omitempty"`
	CountryCode                  string `json:"country_code,omitempty"`
	ThirdPartyFlag               string `json:"third_party_flag,omitempty"`
}

// DeviceClassification is a device classification record carrying the
// regulatory class and review panel for a product code
type DeviceClassification struct {
	DeviceName                  string `json:"device_name"`
	DeviceClass                 string `json:"device_class,omitempty"`
	ProductCode                 string `json:"product_code,omitempty"`
	RegulationNumber            string `json:"regulation_number,omitempty"`
	MedicalSpecialty            string `json:"medical_specialty,omitempty"`
	MedicalSpecialtyDescription string `json:"medical_specialty_description,omitempty"`
	ReviewPanel                 string `json:"review_panel,omitempty"`
	SubmissionTypeID            string `json:"submission_type_id,omitempty"`
	Definition                  string `json:"definition,omitempty"`
	ImplantFlag                 string `json:"implant_flag,omitempty"`
	LifeSustainSupportFlag      string `json:"life_sustain_support_flag,omitempty"`
	GMPExemptFlag               string `json:"gmp_exempt_flag,omitempty"`
}

// DeviceRecall is a recall enforcement record for a marketed device
type DeviceRecall struct {
	ResEventNumber       string   `json:"res_event_number,omitempty"`
	ProductResNumber     string   `json:"product_res_number,omitempty"`
	EventDateInitiated   string   `json:"event_date_initiated,omitempty"`
	EventDatePosted      string   `json:"event_date_posted,omitempty"`
	RecallStatus         string   `json:"recall_status,omitempty"`
	RecallingFirm        string   `json:"recalling_firm,omitempty"`
	ProductCode          string   `json:"product_code,omitempty"`
	ProductDescription   string   `json:"product_description,omitempty"`
	CodeInfo             string   `json:"code_info,omitempty"`
	RootCauseDescription string   `json:"root_cause_description,omitempty"`
	Action               string   `json:"action,omitempty"`
	DistributionPattern  string   `json:"distribution_pattern,omitempty"`
	ProductQuantity      string   `json:"product_quantity,omitempty"`
	KNumbers             []string `json:"k_numbers,omitempty"`
}

// AdverseEventDevice identifies one device implicated in an adverse event
// report
type AdverseEventDevice struct {
	BrandName               string `json:"brand_name,omitempty"`
	GenericName             string `json:"generic_name,omitempty"`
	ManufacturerName        string `json:"manufacturer_d_name,omitempty"`
	ModelNumber             string `json:"model_number,omitempty"`
	CatalogNumber           string `json:"catalog_number,omitempty"`
	DeviceReportProductCode string `json:"device_report_product_code,omitempty"`
	DeviceOperator          string `json:"device_operator,omitempty"`
	ImplantFlag             string `json:"implant_flag,omitempty"`
}

// MDRText is one narrative block attached to an adverse event report
type MDRText struct {
	Text         string `json:"text,omitempty"`
	TextTypeCode string `json:"text_type_code,omitempty"`
}

// AdverseEvent is a medical device report (MDR) describing a death,
// injury, or malfunction involving a marketed device
type AdverseEvent struct {
	MDRReportKey       string               `json:"mdr_report_key,omitempty"`
	ReportNumber       string               `json:"report_number,omitempty"`
	EventType          string               `json:"event_type,omitempty"`
	DateReceived       string               `json:"date_received,omitempty"`
	DateOfEvent        string               `json:"date_of_event,omitempty"`
	AdverseEventFlag   string               `json:"adverse_event_flag,omitempty"`
	ProductProblemFlag string               `json:"product_problem_flag,omitempty"`
	ProductProblems    []string             `json:"product_problems,omitempty"`
	SourceType         []string             `json:"source_type,omitempty"`
	Devices            []AdverseEventDevice `json:"device,omitempty"`
	MDRText            []MDRText            `json:"mdr_text,omitempty"`
}
