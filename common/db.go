package common

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/golang/glog"
	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	dbh *sql.DB

	// prepared statements
	updateKV              *sql.Stmt
	insertPhoton          *sql.Stmt
	deletePhoton          *sql.Stmt
	insertDeployment      *sql.Stmt
	updateDeploymentState *sql.Stmt
	deleteDeployment      *sql.Stmt
}

// DBPhoton is the photon record as stored locally.
type DBPhoton struct {
	ID        string
	Name      string
	Model     string
	Task      string
	Image     string
	Spec      string // raw photon spec JSON
	CreatedAt time.Time
}

// DBDeployment tracks one running deployment of a photon.
type DBDeployment struct {
	ID        string
	Name      string
	PhotonID  string
	State     string
	Replicas  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DBDeploymentFilter narrows SelectDeployments.
type DBDeploymentFilter struct {
	State    string
	PhotonID string
}

// Deployment states.
const (
	DeploymentStateRunning    = "Running"
	DeploymentStateStarting   = "Starting"
	DeploymentStateTerminated = "Terminated"
)

var schema = `
	CREATE TABLE IF NOT EXISTS kv (
		key STRING PRIMARY KEY,
		value STRING,
		updatedAt STRING DEFAULT CURRENT_TIMESTAMP
	);
	INSERT OR IGNORE INTO kv(key, value) VALUES('dbVersion', '1');

	CREATE TABLE IF NOT EXISTS photons (
		id STRING PRIMARY KEY,
		name STRING,
		model STRING,
		task STRING,
		image STRING,
		spec STRING,
		createdAt STRING DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_photons_name ON photons(name);

	CREATE TABLE IF NOT EXISTS deployments (
		id STRING PRIMARY KEY,
		name STRING UNIQUE,
		photonId STRING,
		state STRING,
		replicas INTEGER DEFAULT 1,
		createdAt STRING DEFAULT CURRENT_TIMESTAMP,
		updatedAt STRING DEFAULT CURRENT_TIMESTAMP
	);
`

func InitDB(dbPath string) (*DB, error) {
	// XXX need a way to ensure (via unit tests?) that all DB{} fields are
	// properly closed / cleaned up in the case of an error
	d := DB{}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		glog.Error("Unable to open DB ", dbPath, err)
		return nil, err
	}
	d.dbh = db
	_, err = db.Exec(schema)
	if err != nil {
		glog.Error("Error initializing schema ", err)
		d.Close()
		return nil, err
	}

	// updateKV prepared statement
	stmt, err := db.Prepare("INSERT INTO kv(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updatedAt=datetime()")
	if err != nil {
		glog.Error("Unable to prepare updatekv stmt ", err)
		d.Close()
		return nil, err
	}
	d.updateKV = stmt

	stmt, err = db.Prepare("INSERT INTO photons(id, name, model, task, image, spec) VALUES(?, ?, ?, ?, ?, ?)")
	if err != nil {
		glog.Error("Unable to prepare insertPhoton stmt ", err)
		d.Close()
		return nil, err
	}
	d.insertPhoton = stmt

	stmt, err = db.Prepare("DELETE FROM photons WHERE name=?")
	if err != nil {
		glog.Error("Unable to prepare deletePhoton stmt ", err)
		d.Close()
		return nil, err
	}
	d.deletePhoton = stmt

	stmt, err = db.Prepare("INSERT INTO deployments(id, name, photonId, state, replicas) VALUES(?, ?, ?, ?, ?)")
	if err != nil {
		glog.Error("Unable to prepare insertDeployment stmt ", err)
		d.Close()
		return nil, err
	}
	d.insertDeployment = stmt

	stmt, err = db.Prepare("UPDATE deployments SET state=?, updatedAt = datetime() WHERE name=?")
	if err != nil {
		glog.Error("Unable to prepare updateDeploymentState stmt ", err)
		d.Close()
		return nil, err
	}
	d.updateDeploymentState = stmt

	stmt, err = db.Prepare("DELETE FROM deployments WHERE name=?")
	if err != nil {
		glog.Error("Unable to prepare deleteDeployment stmt ", err)
		d.Close()
		return nil, err
	}
	d.deleteDeployment = stmt

	glog.V(DEBUG).Info("Initialized DB node")
	return &d, nil
}

func (db *DB) Close() {
	glog.V(DEBUG).Info("Closing DB")
	if db.updateKV != nil {
		db.updateKV.Close()
	}
	if db.insertPhoton != nil {
		db.insertPhoton.Close()
	}
	if db.deletePhoton != nil {
		db.deletePhoton.Close()
	}
	if db.insertDeployment != nil {
		db.insertDeployment.Close()
	}
	if db.updateDeploymentState != nil {
		db.updateDeploymentState.Close()
	}
	if db.deleteDeployment != nil {
		db.deleteDeployment.Close()
	}
	if db.dbh != nil {
		db.dbh.Close()
	}
}

func (db *DB) SetKV(key, value string) error {
	if db == nil {
		return nil
	}
	_, err := db.updateKV.Exec(key, value)
	if err != nil {
		glog.Errorf("db: error updating kv key=%s err=%q", key, err)
	}
	return err
}

func (db *DB) GetKV(key string) (string, error) {
	row := db.dbh.QueryRow("SELECT value FROM kv WHERE key=?", key)
	var value string
	if err := row.Scan(&value); err != nil {
		return "", err
	}
	return value, nil
}

func (db *DB) InsertPhoton(p *DBPhoton) error {
	if p.ID == "" {
		p.ID = RandName()
	}
	glog.V(DEBUG).Infof("db: inserting photon name=%s model=%s", p.Name, p.Model)
	_, err := db.insertPhoton.Exec(p.ID, p.Name, p.Model, p.Task, p.Image, p.Spec)
	if err != nil {
		glog.Errorf("db: error inserting photon name=%s err=%q", p.Name, err)
	}
	return err
}

// GetPhoton returns the most recently created photon with the given name.
func (db *DB) GetPhoton(name string) (*DBPhoton, error) {
	row := db.dbh.QueryRow("SELECT id, name, model, task, image, spec, createdAt FROM photons WHERE name=? ORDER BY createdAt DESC, rowid DESC LIMIT 1", name)
	p := &DBPhoton{}
	var createdAt string
	if err := row.Scan(&p.ID, &p.Name, &p.Model, &p.Task, &p.Image, &p.Spec, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("photon not found: %s", name)
		}
		return nil, err
	}
	p.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
	return p, nil
}

func (db *DB) SelectPhotons() ([]*DBPhoton, error) {
	rows, err := db.dbh.Query("SELECT id, name, model, task, image, spec, createdAt FROM photons ORDER BY createdAt DESC, rowid DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var photons []*DBPhoton
	for rows.Next() {
		p := &DBPhoton{}
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.Model, &p.Task, &p.Image, &p.Spec, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		photons = append(photons, p)
	}
	return photons, rows.Err()
}

// DeletePhoton removes all photons with the given name. Removing a name
// that does not exist is not an error.
func (db *DB) DeletePhoton(name string) error {
	_, err := db.deletePhoton.Exec(name)
	return err
}

func (db *DB) InsertDeployment(d *DBDeployment) error {
	if d.ID == "" {
		d.ID = RandName()
	}
	if d.Replicas == 0 {
		d.Replicas = 1
	}
	glog.V(DEBUG).Infof("db: inserting deployment name=%s photonId=%s state=%s", d.Name, d.PhotonID, d.State)
	_, err := db.insertDeployment.Exec(d.ID, d.Name, d.PhotonID, d.State, d.Replicas)
	return err
}

func (db *DB) UpdateDeploymentState(name, state string) error {
	res, err := db.updateDeploymentState.Exec(state, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("deployment not found: %s", name)
	}
	return err
}

func (db *DB) GetDeployment(name string) (*DBDeployment, error) {
	deps, err := db.selectDeployments("WHERE name=?", name)
	if err != nil {
		return nil, err
	}
	if len(deps) == 0 {
		return nil, fmt.Errorf("deployment not found: %s", name)
	}
	return deps[0], nil
}

func (db *DB) SelectDeployments(filter *DBDeploymentFilter) ([]*DBDeployment, error) {
	qry := ""
	var args []interface{}
	if filter != nil {
		var conds []string
		if filter.State != "" {
			conds = append(conds, "state=?")
			args = append(args, filter.State)
		}
		if filter.PhotonID != "" {
			conds = append(conds, "photonId=?")
			args = append(args, filter.PhotonID)
		}
		for i, cond := range conds {
			if i == 0 {
				qry = "WHERE " + cond
			} else {
				qry += " AND " + cond
			}
		}
	}
	return db.selectDeployments(qry, args...)
}

func (db *DB) selectDeployments(where string, args ...interface{}) ([]*DBDeployment, error) {
	rows, err := db.dbh.Query("SELECT id, name, photonId, state, replicas, createdAt, updatedAt FROM deployments "+where+" ORDER BY createdAt DESC", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []*DBDeployment
	for rows.Next() {
		d := &DBDeployment{}
		var createdAt, updatedAt string
		if err := rows.Scan(&d.ID, &d.Name, &d.PhotonID, &d.State, &d.Replicas, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		d.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		d.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updatedAt)
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func (db *DB) DeleteDeployment(name string) error {
	_, err := db.deleteDeployment.Exec(name)
	return err
}
