package logging

// Printf-style helpers for the high-traffic categories. These keep call sites
// short: logging.Session("rotating %s", id) instead of Get(...).Info(...).

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{})  { Get(CategoryStore).Warn(format, args...) }

func Blob(format string, args ...interface{})      { Get(CategoryBlob).Info(format, args...) }
func BlobDebug(format string, args ...interface{}) { Get(CategoryBlob).Debug(format, args...) }

func Budget(format string, args ...interface{})      { Get(CategoryBudget).Info(format, args...) }
func BudgetDebug(format string, args ...interface{}) { Get(CategoryBudget).Debug(format, args...) }
func BudgetWarn(format string, args ...interface{})  { Get(CategoryBudget).Warn(format, args...) }

func Scheduler(format string, args ...interface{})      { Get(CategoryScheduler).Info(format, args...) }
func SchedulerDebug(format string, args ...interface{}) { Get(CategoryScheduler).Debug(format, args...) }
func SchedulerWarn(format string, args ...interface{})  { Get(CategoryScheduler).Warn(format, args...) }

func Session(format string, args ...interface{})      { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debug(format, args...) }
func SessionWarn(format string, args ...interface{})  { Get(CategorySession).Warn(format, args...) }

func Rotation(format string, args ...interface{})      { Get(CategoryRotation).Info(format, args...) }
func RotationDebug(format string, args ...interface{}) { Get(CategoryRotation).Debug(format, args...) }
func RotationWarn(format string, args ...interface{})  { Get(CategoryRotation).Warn(format, args...) }

func Pipeline(format string, args ...interface{})      { Get(CategoryPipeline).Info(format, args...) }
func PipelineDebug(format string, args ...interface{}) { Get(CategoryPipeline).Debug(format, args...) }
func PipelineWarn(format string, args ...interface{})  { Get(CategoryPipeline).Warn(format, args...) }

func Cache(format string, args ...interface{})      { Get(CategoryCache).Info(format, args...) }
func CacheDebug(format string, args ...interface{}) { Get(CategoryCache).Debug(format, args...) }

func Integrity(format string, args ...interface{})     { Get(CategoryIntegrity).Info(format, args...) }
func IntegrityWarn(format string, args ...interface{}) { Get(CategoryIntegrity).Warn(format, args...) }
