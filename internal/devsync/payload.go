package devsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// DataType is the business-record category an operation or cached entry
// belongs to.
type DataType string

const (
	DataWorkOrders DataType = "work_orders"
	DataCustomers  DataType = "customers"
	DataInventory  DataType = "inventory"
	DataEstimates  DataType = "estimates"
	DataInvoices   DataType = "invoices"
	DataTimesheets DataType = "timesheets"
	DataPhotos     DataType = "photos"
	DataForms      DataType = "forms"
	DataLocations  DataType = "locations"
	DataEmployees  DataType = "employees"
	DataSettings   DataType = "settings"
)

// AllDataTypes lists every DataType in a stable order.
var AllDataTypes = []DataType{
	DataWorkOrders, DataCustomers, DataInventory, DataEstimates, DataInvoices,
	DataTimesheets, DataPhotos, DataForms, DataLocations, DataEmployees, DataSettings,
}

func (dt DataType) Valid() bool {
	for _, v := range AllDataTypes {
		if dt == v {
			return true
		}
	}
	return false
}

// TimestampField is the record field holding a record's last mutation time.
const TimestampField = "updated_at"

// Record is the field-level wire and storage form of a business record.
type Record map[string]any

// Payload is a typed business record. Each DataType has exactly one variant.
type Payload interface {
	DataType() DataType
}

type WorkOrder struct {
	ID          string     `json:"id"`
	Title       string     `json:"title,omitempty"`
	Status      string     `json:"status,omitempty"`
	CustomerID  string     `json:"customer_id,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

type Customer struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Email     string            `json:"email,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Address   map[string]string `json:"address,omitempty"`
	UpdatedAt *time.Time        `json:"updated_at,omitempty"`
}

type InventoryItem struct {
	ID        string     `json:"id"`
	SKU       string     `json:"sku,omitempty"`
	Name      string     `json:"name,omitempty"`
	Quantity  int        `json:"quantity"`
	Location  string     `json:"location,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

type Estimate struct {
	ID         string     `json:"id"`
	CustomerID string     `json:"customer_id,omitempty"`
	Status     string     `json:"status,omitempty"`
	Lines      []LineItem `json:"lines,omitempty"`
	Total      float64    `json:"total"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

type Invoice struct {
	ID         string     `json:"id"`
	CustomerID string     `json:"customer_id,omitempty"`
	Status     string     `json:"status,omitempty"`
	Lines      []LineItem `json:"lines,omitempty"`
	Total      float64    `json:"total"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

type Timesheet struct {
	ID          string     `json:"id"`
	EmployeeID  string     `json:"employee_id,omitempty"`
	WorkOrderID string     `json:"work_order_id,omitempty"`
	ClockIn     *time.Time `json:"clock_in,omitempty"`
	ClockOut    *time.Time `json:"clock_out,omitempty"`
	Minutes     int        `json:"minutes"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

type Photo struct {
	ID          string     `json:"id"`
	WorkOrderID string     `json:"work_order_id,omitempty"`
	URI         string     `json:"uri,omitempty"`
	Caption     string     `json:"caption,omitempty"`
	SizeBytes   int64      `json:"size_bytes,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

type Form struct {
	ID         string         `json:"id"`
	TemplateID string         `json:"template_id,omitempty"`
	Answers    map[string]any `json:"answers,omitempty"`
	Submitted  bool           `json:"submitted"`
	UpdatedAt  *time.Time     `json:"updated_at,omitempty"`
}

type LocationPing struct {
	ID         string     `json:"id"`
	EmployeeID string     `json:"employee_id,omitempty"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

type Employee struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Role      string     `json:"role,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type Settings struct {
	ID        string         `json:"id"`
	Values    map[string]any `json:"values,omitempty"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
}

func (WorkOrder) DataType() DataType     { return DataWorkOrders }
func (Customer) DataType() DataType      { return DataCustomers }
func (InventoryItem) DataType() DataType { return DataInventory }
func (Estimate) DataType() DataType      { return DataEstimates }
func (Invoice) DataType() DataType       { return DataInvoices }
func (Timesheet) DataType() DataType     { return DataTimesheets }
func (Photo) DataType() DataType         { return DataPhotos }
func (Form) DataType() DataType          { return DataForms }
func (LocationPing) DataType() DataType  { return DataLocations }
func (Employee) DataType() DataType      { return DataEmployees }
func (Settings) DataType() DataType      { return DataSettings }

func newPayload(dt DataType) (Payload, error) {
	switch dt {
	case DataWorkOrders:
		return &WorkOrder{}, nil
	case DataCustomers:
		return &Customer{}, nil
	case DataInventory:
		return &InventoryItem{}, nil
	case DataEstimates:
		return &Estimate{}, nil
	case DataInvoices:
		return &Invoice{}, nil
	case DataTimesheets:
		return &Timesheet{}, nil
	case DataPhotos:
		return &Photo{}, nil
	case DataForms:
		return &Form{}, nil
	case DataLocations:
		return &LocationPing{}, nil
	case DataEmployees:
		return &Employee{}, nil
	case DataSettings:
		return &Settings{}, nil
	}
	return nil, &ValidationError{Field: "data_type", Reason: fmt.Sprintf("unknown data type %q", dt)}
}

// RecordOf converts a typed payload into its field record.
func RecordOf(p Payload) (Record, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", p.DataType(), err)
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", p.DataType(), err)
	}
	return r, nil
}

// DecodePayload converts a field record into the typed variant for dt.
// Unknown fields are ignored.
func DecodePayload(dt DataType, r Record) (Payload, error) {
	p, err := newPayload(dt)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding %s record: %w", dt, err)
	}
	if err := json.Unmarshal(b, p); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("not a valid %s record: %v", dt, err)}
	}
	return p, nil
}

// recordTime returns the record's embedded mutation timestamp, if any.
func recordTime(r Record) (time.Time, bool) {
	v, ok := r[TimestampField]
	if !ok {
		return time.Time{}, false
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// cloneRecord deep-copies r through its JSON form so nested maps and slices
// are never shared.
func cloneRecord(r Record) Record {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		out := make(Record, len(r))
		for k, v := range r {
			out[k] = v
		}
		return out
	}
	var out Record
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
