package logging

// Convenience helpers so call sites read logging.Dispatch(...) instead of
// logging.Get(logging.CategoryDispatch).Info(...).

// Boot logs at info level to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// Dispatch logs at info level to the dispatch category.
func Dispatch(format string, args ...interface{}) { Get(CategoryDispatch).Info(format, args...) }

// DispatchDebug logs at debug level to the dispatch category.
func DispatchDebug(format string, args ...interface{}) { Get(CategoryDispatch).Debug(format, args...) }

// Tools logs at info level to the tools category.
func Tools(format string, args ...interface{}) { Get(CategoryTools).Info(format, args...) }

// ToolsDebug logs at debug level to the tools category.
func ToolsDebug(format string, args ...interface{}) { Get(CategoryTools).Debug(format, args...) }

// Memory logs at info level to the memory category.
func Memory(format string, args ...interface{}) { Get(CategoryMemory).Info(format, args...) }

// MemoryDebug logs at debug level to the memory category.
func MemoryDebug(format string, args ...interface{}) { Get(CategoryMemory).Debug(format, args...) }

// Watcher logs at info level to the watcher category.
func Watcher(format string, args ...interface{}) { Get(CategoryWatcher).Info(format, args...) }

// WatcherDebug logs at debug level to the watcher category.
func WatcherDebug(format string, args ...interface{}) { Get(CategoryWatcher).Debug(format, args...) }

// Evolution logs at info level to the evolution category.
func Evolution(format string, args ...interface{}) { Get(CategoryEvolution).Info(format, args...) }

// EvolutionDebug logs at debug level to the evolution category.
func EvolutionDebug(format string, args ...interface{}) { Get(CategoryEvolution).Debug(format, args...) }

// Embedding logs at info level to the embedding category.
func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Info(format, args...) }

// EmbeddingDebug logs at debug level to the embedding category.
func EmbeddingDebug(format string, args ...interface{}) { Get(CategoryEmbedding).Debug(format, args...) }

// Chat logs at info level to the chat category.
func Chat(format string, args ...interface{}) { Get(CategoryChat).Info(format, args...) }

// ChatDebug logs at debug level to the chat category.
func ChatDebug(format string, args ...interface{}) { Get(CategoryChat).Debug(format, args...) }

// Metrics logs at info level to the metrics category.
func Metrics(format string, args ...interface{}) { Get(CategoryMetrics).Info(format, args...) }
