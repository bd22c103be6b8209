package domain

// Action identifies a button press coming back from the chat client.
type Action string

const (
	ActionRequestLocation      Action = "request_location"
	ActionStartWithoutLocation Action = "start_without_location"
	ActionStartSearch          Action = "start_search"
	ActionMoreQuestions        Action = "more_questions"
	ActionResultsGood          Action = "results_good"
	ActionResultsBad           Action = "results_bad"
	ActionNewSearch            Action = "new_search"
)

// Button is an inline button attached to a reply.
type Button struct {
	Text   string
	Action Action
}

// Keyboard selects the reply keyboard shown below the input field.
type Keyboard int

const (
	KeyboardNone Keyboard = iota
	// KeyboardRequestLocation shows a single button that shares the device location.
	KeyboardRequestLocation
	// KeyboardRemove hides any reply keyboard currently shown.
	KeyboardRemove
)

// Reply is a transport-neutral outgoing message.
type Reply struct {
	Text string
	// Buttons are laid out one per row.
	Buttons  []Button
	Keyboard Keyboard
	// Edit replaces the message the triggering button was attached to
	// instead of sending a new one.
	Edit bool
}
