package apflow

var WithEngineClock = withEngineClock
