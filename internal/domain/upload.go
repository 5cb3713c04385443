package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UploadState is the lifecycle state of a chunked upload session.
type UploadState string

const (
	UploadInitiated    UploadState = "initiated"
	UploadReceiving    UploadState = "receiving"
	UploadReassembling UploadState = "reassembling"
	UploadComplete     UploadState = "complete"
	UploadFailed       UploadState = "failed"
)

// Disk kinds a finished upload can live on.
const (
	DiskLocal = "local"
	DiskS3    = "s3"
)

// Upload is the persisted record describing one chunked upload.
// Chunks themselves never touch the document store; they live in the
// staging directory named by StagingName until reassembly consumes them.
type Upload struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	StagingName    string             `bson:"stagingName" json:"file_path"` // public token, unique
	FilePrefix     string             `bson:"filePrefix" json:"-"`          // internal final file-name prefix
	OriginalName   string             `bson:"originalName" json:"file_name"`
	Extension      string             `bson:"extension" json:"file_extension"`
	MimeType       string             `bson:"mimeType" json:"file_mime_type"`
	DeclaredSize   int64              `bson:"declaredSize" json:"file_size"` // fixed at creation
	FinalPath      string             `bson:"finalPath,omitempty" json:"-"`
	FinalURL       string             `bson:"finalUrl,omitempty" json:"file_url,omitempty"`
	DiskKind       string             `bson:"diskKind" json:"disk"`
	State          UploadState        `bson:"state" json:"state"`
	AssembledBytes int64              `bson:"assembledBytes" json:"-"` // destination size left by a failed reassembly
	OwnerID        primitive.ObjectID `bson:"ownerId,omitempty" json:"owner_id,omitempty"`
	CreatedAt      time.Time          `bson:"createdAt" json:"created_at"`
	UpdatedAt      time.Time          `bson:"updatedAt" json:"updated_at"`
	CompletedAt    *time.Time         `bson:"completedAt,omitempty" json:"completed_at,omitempty"`
}

// IsComplete reports whether reassembly has finished and the final file exists.
func (u *Upload) IsComplete() bool {
	return u.State == UploadComplete && u.FinalPath != ""
}

// AcceptsChunks reports whether a chunk write is valid in the current state.
// A failed session keeps accepting chunks so the client can resend what was missing.
func (u *Upload) AcceptsChunks() bool {
	switch u.State {
	case UploadInitiated, UploadReceiving, UploadFailed, "":
		return true
	}
	return false
}

// FileName is the name presented to clients on download.
func (u *Upload) FileName() string {
	if u.Extension == "" {
		return u.OriginalName
	}
	return u.OriginalName + "." + u.Extension
}

// StoredName is the name of the assembled file inside the final directory.
func (u *Upload) StoredName() string {
	if u.Extension == "" {
		return u.FilePrefix
	}
	return u.FilePrefix + "." + u.Extension
}

// LeaseableStates are the states from which a caller may claim reassembly.
var LeaseableStates = []UploadState{UploadInitiated, UploadReceiving, UploadFailed}

// transitions lists the allowed state changes.
var transitions = map[UploadState][]UploadState{
	UploadInitiated:    {UploadReceiving, UploadReassembling},
	UploadReceiving:    {UploadReassembling},
	UploadReassembling: {UploadComplete, UploadFailed},
	UploadFailed:       {UploadReassembling},
	UploadComplete:     nil,
}

// CanTransition reports whether from -> to is a valid state change.
func CanTransition(from, to UploadState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
