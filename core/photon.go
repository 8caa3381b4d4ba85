package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/leptonai/go-lepton/common"
)

// Defaults carried over from the hosted photon runner images.
const (
	BaseImageVersion = "0.1.9"
	BaseImageRepo    = "605454121064.dkr.ecr.us-east-1.amazonaws.com/lepton"

	DefaultExposedPort = 8080
)

// BaseImage is the default photon runner image.
var BaseImage = fmt.Sprintf("%s:photon-runner-%s", BaseImageRepo, BaseImageVersion)

// Photon is the deployable unit: a named model service definition.
type Photon struct {
	Name                  string            `json:"name"`
	Model                 string            `json:"model"`
	Task                  string            `json:"task,omitempty"`
	ModelID               string            `json:"model_id,omitempty"`
	Image                 string            `json:"image,omitempty"`
	Env                   map[string]string `json:"env,omitempty"`
	ExposedPort           int               `json:"exposed_port,omitempty"`
	RequirementDependency []string          `json:"requirement_dependency,omitempty"`
	CreatedAt             time.Time         `json:"created_at,omitempty"`
}

// NewPhoton builds a photon from a name and a model string of the form
// "task:model-id".
func NewPhoton(name, model string) (*Photon, error) {
	task, modelID, err := common.ParseModelString(model)
	if err != nil {
		return nil, err
	}
	return &Photon{
		Name:        name,
		Model:       model,
		Task:        task,
		ModelID:     modelID,
		Image:       BaseImage,
		ExposedPort: DefaultExposedPort,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (p *Photon) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("photon name is required")
	}
	if p.Model == "" {
		return fmt.Errorf("photon model is required")
	}
	if p.Task == "" || p.ModelID == "" {
		task, modelID, err := common.ParseModelString(p.Model)
		if err != nil {
			return err
		}
		p.Task, p.ModelID = task, modelID
	}
	if p.ExposedPort == 0 {
		p.ExposedPort = DefaultExposedPort
	}
	return nil
}

func ParsePhoton(data []byte) (*Photon, error) {
	p := &Photon{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Photon) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// ToDBPhoton converts for local storage.
func (p *Photon) ToDBPhoton() (*common.DBPhoton, error) {
	spec, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	return &common.DBPhoton{
		Name:  p.Name,
		Model: p.Model,
		Task:  p.Task,
		Image: p.Image,
		Spec:  string(spec),
	}, nil
}

func PhotonFromDB(dbp *common.DBPhoton) (*Photon, error) {
	if dbp.Spec != "" {
		return ParsePhoton([]byte(dbp.Spec))
	}
	return NewPhoton(dbp.Name, dbp.Model)
}

// OpenAPIDoc generates the OpenAPI document the worker serves for this
// photon at /openapi.json.
func (p *Photon) OpenAPIDoc() (*openapi3.T, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	reqSchema := openapi3.NewObjectSchema().
		WithProperty("inputs", openapi3.NewStringSchema().WithDefault("")).
		WithProperty("max_tokens", openapi3.NewIntegerSchema().WithDefault(256))
	reqSchema.Required = []string{"inputs"}

	respSchema := openapi3.NewObjectSchema().
		WithProperty("output", openapi3.NewStringSchema()).
		WithProperty("took_ms", openapi3.NewIntegerSchema())

	doc := &openapi3.T{
		OpenAPI: "3.0.0",
		Info: &openapi3.Info{
			Title:   p.Name,
			Version: LeptonVersion,
		},
		Components: &openapi3.Components{
			Schemas: openapi3.Schemas{
				"RunRequest":  openapi3.NewSchemaRef("", reqSchema),
				"RunResponse": openapi3.NewSchemaRef("", respSchema),
			},
		},
		Paths: openapi3.NewPaths(),
	}

	runOp := openapi3.NewOperation()
	runOp.Summary = fmt.Sprintf("Run the %s pipeline for model %s", p.Task, p.ModelID)
	runOp.RequestBody = &openapi3.RequestBodyRef{
		Value: openapi3.NewRequestBody().WithJSONSchemaRef(
			openapi3.NewSchemaRef("#/components/schemas/RunRequest", nil)),
	}
	resp := openapi3.NewResponse().WithJSONSchemaRef(
		openapi3.NewSchemaRef("#/components/schemas/RunResponse", nil))
	runOp.AddResponse(200, resp)

	pathItem := &openapi3.PathItem{}
	pathItem.SetOperation("POST", runOp)
	doc.Paths.Set("/run", pathItem)

	healthOp := openapi3.NewOperation()
	healthOp.Summary = "Liveness probe"
	healthOp.AddResponse(200, openapi3.NewResponse().WithDescription("ok"))
	healthItem := &openapi3.PathItem{}
	healthItem.SetOperation("GET", healthOp)
	doc.Paths.Set("/healthz", healthItem)

	return doc, nil
}
