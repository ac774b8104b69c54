package stage

import "errors"

// errJoinRejected is sent on JoinActorMessage.Joined when on_join_stage
// returns false.
var errJoinRejected = errors.New("stage: on_join_stage rejected")
