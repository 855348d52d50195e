package models

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ImageIDScheme selects how image IDs of a server's studies are built
type ImageIDScheme string

const (
	SchemeWADORS  ImageIDScheme = "wadors"
	SchemeWADOURI ImageIDScheme = "wadouri"
)

// ServerConfig is a DICOMweb server studies can be loaded from
type ServerConfig struct {
	ID            uuid.UUID     `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name          string        `gorm:"type:varchar(255);not null;uniqueIndex" json:"name"`
	WADORoot      string        `gorm:"type:varchar(500);not null" json:"wado_root"`
	QIDORoot      string        `gorm:"type:varchar(500)" json:"qido_root,omitempty"`
	ImageIDScheme ImageIDScheme `gorm:"type:varchar(20);not null;default:'wadors'" json:"image_id_scheme"`
	Username      string        `gorm:"type:varchar(255)" json:"username,omitempty"`
	Password      string        `gorm:"type:text" json:"-"`
	APIKey        string        `gorm:"type:text" json:"-"`
	IsActive      bool          `gorm:"default:true" json:"is_active"`
	IsPrimary     bool          `gorm:"default:false" json:"is_primary"`

	// Connection status tracking
	LastConnectionTest   time.Time `gorm:"index" json:"last_connection_test,omitempty"`
	LastConnectionStatus bool      `json:"last_connection_status,omitempty"`
	LastError            string    `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName overrides the table name
func (ServerConfig) TableName() string {
	return "dicomweb_servers"
}

// BeforeCreate hook
func (s *ServerConfig) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// SearchRoot returns the QIDO-RS root, which defaults to the WADO root
func (s ServerConfig) SearchRoot() string {
	if s.QIDORoot != "" {
		return s.QIDORoot
	}
	return s.WADORoot
}

// ServerConfigRequest represents a request to create a server configuration
type ServerConfigRequest struct {
	Name          string        `json:"name"`
	WADORoot      string        `json:"wado_root"`
	QIDORoot      string        `json:"qido_root,omitempty"`
	ImageIDScheme ImageIDScheme `json:"image_id_scheme,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	APIKey        string        `json:"api_key,omitempty"`
	IsPrimary     bool          `json:"is_primary"`
}

// Validate checks the request before a server is stored
func (r ServerConfigRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.WADORoot, validation.Required, is.URL),
		validation.Field(&r.QIDORoot, is.URL),
		validation.Field(&r.ImageIDScheme, validation.In(SchemeWADORS, SchemeWADOURI)),
	)
}

// ConnectionTestRequest represents a request to test a DICOMweb server
type ConnectionTestRequest struct {
	WADORoot string `json:"wado_root"`
	QIDORoot string `json:"qido_root,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
}

// Validate checks the request before the server is contacted
func (r ConnectionTestRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.WADORoot, validation.Required, is.URL),
		validation.Field(&r.QIDORoot, is.URL),
	)
}

// ConnectionStatus represents the status of a DICOMweb server connection
type ConnectionStatus struct {
	IsConnected  bool      `json:"is_connected"`
	LastChecked  time.Time `json:"last_checked"`
	ResponseTime int64     `json:"response_time_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// LoadStatus is the outcome of a stack load
type LoadStatus string

const (
	LoadStatusComplete LoadStatus = "complete"
	LoadStatusReleased LoadStatus = "released"
)

// LoadRecord is the history entry of a stack whose loading was tracked
type LoadRecord struct {
	ID                    uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	StudyInstanceUID      string     `gorm:"type:varchar(255);index" json:"study_instance_uid"`
	DisplaySetInstanceUID string     `gorm:"type:varchar(255);not null;index" json:"display_set_instance_uid"`
	Kind                  string     `gorm:"type:varchar(20);not null" json:"kind"` // file, stack
	Status                LoadStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	FramesLoaded          int        `json:"frames_loaded"`
	TotalFrames           int        `json:"total_frames"`
	BytesLoaded           int64      `json:"bytes_loaded"`
	Duration              int64      `json:"duration_ms"` // milliseconds
	CreatedAt             time.Time  `gorm:"index" json:"timestamp"`
}

// TableName overrides the table name
func (LoadRecord) TableName() string {
	return "load_records"
}

// BeforeCreate hook
func (l *LoadRecord) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
