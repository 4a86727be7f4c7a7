package mlflow

const (
	// ErrorCodeResourceAlreadyExists is returned when creating a registered model that exists.
	ErrorCodeResourceAlreadyExists = "RESOURCE_ALREADY_EXISTS"
	// ErrorCodeResourceDoesNotExist is returned when a model or version cannot be found.
	ErrorCodeResourceDoesNotExist  = "RESOURCE_DOES_NOT_EXIST"
)

// Tag keys MLflow uses to mark a registered model as a prompt.
const (
	TagIsPrompt   = "mlflow.prompt.is_prompt"
	TagPromptText = "mlflow.prompt.text"
)

const (
	PathRegisteredModelCreate = "/api/2.0/mlflow/registered-models/create"
	PathRegisteredModelDelete = "/api/2.0/mlflow/registered-models/delete"
	PathModelVersionCreate    = "/api/2.0/mlflow/model-versions/create"
	PathModelVersionGet       = "/api/2.0/mlflow/model-versions/get"
	PathModelVersionSearch    = "/api/2.0/mlflow/model-versions/search"
	PathHealth                = "/health"
)

type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type RegisteredModel struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	CreationTimestamp    int64          `json:"creation_timestamp,omitempty"`
	LastUpdatedTimestamp int64          `json:"last_updated_timestamp,omitempty"`
	Tags                 []Tag          `json:"tags,omitempty"`
	LatestVersions       []ModelVersion `json:"latest_versions,omitempty"`
}

type ModelVersion struct {
	Name                 string   `json:"name"`
	Version              string   `json:"version"`
	Source               string   `json:"source,omitempty"`
	RunID                string   `json:"run_id,omitempty"`
	Status               string   `json:"status,omitempty"`
	StatusMessage        string   `json:"status_message,omitempty"`
	Description          string   `json:"description,omitempty"`
	CreationTimestamp    int64    `json:"creation_timestamp,omitempty"`
	LastUpdatedTimestamp int64    `json:"last_updated_timestamp,omitempty"`
	Tags                 []Tag    `json:"tags,omitempty"`
	Aliases              []string `json:"aliases,omitempty"`
}

// TagMap returns the version tags keyed by tag key.
func (v ModelVersion) TagMap() map[string]string {
	tags := make(map[string]string, len(v.Tags))
	for _, tag := range v.Tags {
		tags[tag.Key] = tag.Value
	}
	return tags
}

type RegisteredModelCreateRequest struct {
	Name        string `json:"name"`
	Tags        []Tag  `json:"tags,omitempty"`
	Description string `json:"description,omitempty"`
}

type RegisteredModelCreateResponse struct {
	RegisteredModel RegisteredModel `json:"registered_model"`
}

type RegisteredModelDeleteRequest struct {
	Name string `json:"name"`
}

type ModelVersionCreateRequest struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	RunID       string `json:"run_id,omitempty"`
	Tags        []Tag  `json:"tags,omitempty"`
	Description string `json:"description,omitempty"`
}

type ModelVersionResponse struct {
	ModelVersion ModelVersion `json:"model_version"`
}

// ModelVersionSearchResponse is the search page. A server may answer with
// `{}`, which decodes to an empty page with no continuation token.
type ModelVersionSearchResponse struct {
	ModelVersions []ModelVersion `json:"model_versions,omitempty"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type ErrorResponse struct {
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}
