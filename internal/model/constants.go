package model

import "time"

const DefaultTimeout = 500 * time.Millisecond

const KeyLoggerError = "error"

type ContextKey string

const KeyContextLogger ContextKey = "logger"

// SystemActor is the modified_by value for mutations not triggered by a
// human operator.
const SystemActor int64 = 0
