// Package flow defines the static model of a workflow: step registration,
// the immutable compiled graph, build-time validation, and the step context
// through which a running step reads artifacts and declares its transition.
//
// A flow is assembled with an explicit registration pass:
//
//	fl := flow.New("TrainingFlow").
//		Step("start", startBody, flow.To("fetch")).
//		Step("fetch", fetchBody, flow.ToForeach("train", "shards")).
//		Step("train", trainBody, flow.To("gather"), flow.WithRetry(2, time.Minute)).
//		Join("gather", gatherBody, flow.To("end")).
//		Step("end", endBody)
//
//	graph, err := fl.Compile()
//
// Compile validates the graph shape once, before any task is created; all
// violations are reported as *ValidationError with a remediation hint.
package flow
