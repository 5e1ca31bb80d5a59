package genx

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

var (
	_ Payload = (*Contents)(nil)

	_ Part = (*Blob)(nil)
	_ Part = (*Text)(nil)
)

type Message struct {
	Role    Role
	Name    string
	Payload Payload
}

type Role string

func (r Role) String() string {
	return string(r)
}

type Payload interface {
	isPayload()
}

type Contents []Part

func (Contents) isPayload() {}

type Part interface {
	isPart()
}

type Blob struct {
	MIMEType string
	Data     []byte
}

func (*Blob) isPart() {}

type Text string

func (Text) isPart() {}
