package agent

// Well-known state keys. Executors receive a state containing at minimum
// the workspace path, the user query, and the mode selected for the step.
const (
	KeyWorkspacePath   = "workspace_path"
	KeyUserQuery       = "user_query"
	KeyAgentMode       = "agent_mode"
	KeyErrors          = "errors"
	KeyAgentsCompleted = "agents_completed"
	KeyResults         = "results"
	KeyQualityScores   = "quality_scores"
	KeyFilesGenerated  = "files_generated"
	KeyUserAbort       = "user_abort"
)

// State is the accumulated workflow state. Executors must not mutate the
// state they receive; they return a delta that the orchestrator merges.
type State map[string]any

// Clone returns a shallow copy of the state. Slice values for the
// list-merged keys are copied so appends on the clone never alias the
// original.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	if errs, ok := s[KeyErrors].([]Error); ok {
		out[KeyErrors] = append([]Error(nil), errs...)
	}
	if done, ok := s[KeyAgentsCompleted].([]string); ok {
		out[KeyAgentsCompleted] = append([]string(nil), done...)
	}
	if files, ok := s[KeyFilesGenerated].([]string); ok {
		out[KeyFilesGenerated] = append([]string(nil), files...)
	}
	return out
}

// Merge applies a delta onto the state: list-valued keys (errors,
// agents_completed, files_generated) are appended, map-valued result and
// score keys are merged last-writer-wins, and every other key is replaced.
func (s State) Merge(delta State) {
	for k, v := range delta {
		switch k {
		case KeyErrors:
			if add, ok := v.([]Error); ok {
				s[KeyErrors] = append(s.Errors(), add...)
			}
		case KeyAgentsCompleted:
			if add, ok := v.([]string); ok {
				s[KeyAgentsCompleted] = append(s.AgentsCompleted(), add...)
			}
		case KeyFilesGenerated:
			if add, ok := v.([]string); ok {
				s[KeyFilesGenerated] = append(s.FilesGenerated(), add...)
			}
		case KeyResults:
			if add, ok := v.(map[string]any); ok {
				s[KeyResults] = mergeMap(s.Results(), add)
			}
		case KeyQualityScores:
			if add, ok := v.(map[string]float64); ok {
				merged := s.QualityScores()
				for name, score := range add {
					merged[name] = score
				}
				s[KeyQualityScores] = merged
			}
		default:
			s[k] = v
		}
	}
}

func mergeMap(dst, src map[string]any) map[string]any {
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Errors returns a copy-safe view of the recorded errors.
func (s State) Errors() []Error {
	errs, _ := s[KeyErrors].([]Error)
	return errs
}

// AppendError records an error into the state.
func (s State) AppendError(err Error) {
	s[KeyErrors] = append(s.Errors(), err)
}

// AgentsCompleted returns the ordered list of finished agent names.
func (s State) AgentsCompleted() []string {
	done, _ := s[KeyAgentsCompleted].([]string)
	return done
}

// FilesGenerated returns the files written during the workflow.
func (s State) FilesGenerated() []string {
	files, _ := s[KeyFilesGenerated].([]string)
	return files
}

// Results returns the per-agent result payloads, allocating on first use.
func (s State) Results() map[string]any {
	results, ok := s[KeyResults].(map[string]any)
	if !ok {
		results = make(map[string]any)
		s[KeyResults] = results
	}
	return results
}

// QualityScores returns the per-agent quality scores, allocating on first
// use.
func (s State) QualityScores() map[string]float64 {
	scores, ok := s[KeyQualityScores].(map[string]float64)
	if !ok {
		scores = make(map[string]float64)
		s[KeyQualityScores] = scores
	}
	return scores
}

// WorkspacePath returns the session workspace path.
func (s State) WorkspacePath() string {
	path, _ := s[KeyWorkspacePath].(string)
	return path
}

// UserQuery returns the original user query.
func (s State) UserQuery() string {
	query, _ := s[KeyUserQuery].(string)
	return query
}

// UserAbort reports whether the user requested cancellation.
func (s State) UserAbort() bool {
	abort, _ := s[KeyUserAbort].(bool)
	return abort
}
