package models

// All lists every persisted model in migration order
func All() []interface{} {
	return []interface{}{
		&Contact{},
		&Workflow{},
		&WorkflowAction{},
		&WorkflowExecution{},
		&Sequence{},
		&SequenceStep{},
		&SequenceEnrollment{},
		&SequenceStepLog{},
		&Announcement{},
		&AnnouncementRecipient{},
	}
}
