package action

import "github.com/chadiek/voice-agent/internal/dispatch"

const (
	AgentTaskName = "agent_task"
	HumanTaskName = "human_task"

	MethodAgentTask = "getAgentTask"
	MethodHumanTask = "getHumanTask"
)

// AgentTask is work the agent takes on itself.
func AgentTask() Definition {
	return Definition{
		Name:        AgentTaskName,
		Description: "Record a task that you, the AI cofounder, will do. Use when the user asks you to take care of something.",
		Params: []Param{
			{Name: "action", Type: TypeString, Required: true, Description: "Short title of the task, a few words"},
			{Name: "description", Type: TypeString, Required: true, Description: "What needs to be done, with any details the user gave"},
		},
		Handler: func(args map[string]string) (dispatch.Payload, error) {
			return dispatch.Payload{
				Method: MethodAgentTask,
				Fields: map[string]string{"action": args["action"], "description": args["description"]},
			}, nil
		},
	}
}

// HumanTask is work delegated to the human cofounder.
func HumanTask() Definition {
	return Definition{
		Name:        HumanTaskName,
		Description: "Hand a task to the human cofounder. Use when only they can do it.",
		Params: []Param{
			{Name: "task", Type: TypeString, Required: true, Description: "The task for the human, phrased as an instruction"},
		},
		Handler: func(args map[string]string) (dispatch.Payload, error) {
			return dispatch.Payload{
				Method: MethodHumanTask,
				Fields: map[string]string{"task": args["task"]},
			}, nil
		},
	}
}
