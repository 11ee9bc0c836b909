package common

// Queue names
const RPC_QUEUE = "rpc_queue"
const REPLY_QUEUE_PREFIX = "reply"
const INTERMEDIATE_QUEUE_PREFIX = "intermediate_queue"
const GRADIENT_QUEUE_PREFIX = "gradient_queue"

// Control actions
const ACTION_REGISTER = "REGISTER"
const ACTION_NOTIFY = "NOTIFY"
const ACTION_UPDATE = "UPDATE"
const ACTION_START = "START"
const ACTION_PAUSE = "PAUSE"
const ACTION_STOP = "STOP"

// Data-plane message kinds
const DATA_KIND_ACTIVATION = "activation"
const DATA_KIND_GRADIENT = "gradient"
const DATA_KIND_VALIDATION = "validation"

// Stage numbering starts at 1 (entry stage)
const ENTRY_STAGE = 1

// Layer slice sentinel for "to end of model"
const END_OF_MODEL = -1

// Sync policies
const SYNC_POLICY_UNIFORM = "uniform"
const SYNC_POLICY_STAGED = "staged"

// Data distribution modes
const DATA_MODE_EVEN = "even"
const DATA_MODE_NON_IID = "non-iid"

// Events
const ROUND_FINISHED_EVENT_TYPE = "RoundFinished"
const TRAINING_STOPPED_EVENT_TYPE = "TrainingStopped"
