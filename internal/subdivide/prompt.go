package subdivide

// suggestionPrompt is the prompt template for splitting one task.
// Arguments: project name, guidelines, task title, task description, max subtasks.
const suggestionPrompt = `You are planning work for the project %q.

Project guidelines:
%s

Split the following task into smaller subtasks that can each be completed in one sitting.

Task title: %s

Task description:
%s

Return ONLY a JSON object with this exact structure (no other text):
{
  "reasoning": "Why the task is split this way",
  "subtasks": [
    {
      "title": "Short subtask title",
      "description": "What to do and what the output should be",
      "priority": 1,
      "tags": ["tag"],
      "estimatedMinutes": 30
    }
  ]
}

Rules:
- Return between 2 and %d subtasks
- Higher priority numbers run first
- Do not repeat the parent task as a subtask`
