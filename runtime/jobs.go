package runtime

import "encoding/json"

// encodeJob serializes a PlanJob for the plan.steps queue. PlanJob's fields
// are all directly JSON-marshalable, so no intermediate wire type is needed.
func encodeJob(job PlanJob) ([]byte, error) {
	return json.Marshal(job)
}

func decodeJob(data []byte) (PlanJob, error) {
	var job PlanJob
	if err := json.Unmarshal(data, &job); err != nil {
		return PlanJob{}, err
	}
	return job, nil
}

func decodeCompletion(data []byte) (PlanCompletion, error) {
	var completion PlanCompletion
	if err := json.Unmarshal(data, &completion); err != nil {
		return PlanCompletion{}, err
	}
	return completion, nil
}
