package queue

const defaultPrefix = "taskpulse:q:"

type keys struct{ prefix string }

func (k keys) repeat() string          { return k.prefix + "repeat" }
func (k keys) delayed() string         { return k.prefix + "delayed" }
func (k keys) dlq() string             { return k.prefix + "dlq" }
func (k keys) def(name string) string  { return k.prefix + "def:" + name }
func (k keys) wait(name string) string { return k.prefix + "wait:" + name }
func (k keys) lock(name string) string { return k.prefix + "lock:" + name }
